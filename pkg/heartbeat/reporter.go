package heartbeat

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/partyline/pkg/logger"
)

// StatusFunc returns a snapshot to include in the periodic status line.
type StatusFunc func() map[string]interface{}

type source struct {
	name string
	fn   StatusFunc
}

// Reporter logs the status of the relay on a cron schedule.
type Reporter struct {
	expr     string
	sources  []source
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	nextRun  time.Time
	now      func() time.Time
	reports  int
}

func NewReporter(expr string) (*Reporter, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid status cron expression %q", expr)
	}
	return &Reporter{
		expr: expr,
		now:  time.Now,
	}, nil
}

// AddSource registers fn under name. Sources are reported in name order.
func (r *Reporter) AddSource(name string, fn StatusFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source{name: name, fn: fn})
	sort.Slice(r.sources, func(i, j int) bool { return r.sources[i].name < r.sources[j].name })
}

func (r *Reporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if err := r.scheduleNext(); err != nil {
		return err
	}

	r.running = true
	r.stopChan = make(chan struct{})
	go r.runLoop(r.stopChan)

	logger.InfoCF("heartbeat", "Status reporter started", map[string]interface{}{
		"cron":     r.expr,
		"next_run": r.nextRun.Format(time.RFC3339),
	})
	return nil
}

func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	close(r.stopChan)
}

func (r *Reporter) runLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick reports when the scheduled time has passed.
func (r *Reporter) tick() {
	r.mu.Lock()
	due := !r.nextRun.IsZero() && !r.now().Before(r.nextRun)
	r.mu.Unlock()
	if !due {
		return
	}

	r.Report()

	r.mu.Lock()
	if err := r.scheduleNext(); err != nil {
		logger.ErrorCF("heartbeat", "Failed to compute next status run", map[string]interface{}{
			"cron":  r.expr,
			"error": err.Error(),
		})
		r.nextRun = time.Time{}
	}
	r.mu.Unlock()
}

func (r *Reporter) scheduleNext() error {
	next, err := gronx.NextTickAfter(r.expr, r.now(), false)
	if err != nil {
		return fmt.Errorf("failed to compute next run for %q: %w", r.expr, err)
	}
	r.nextRun = next
	return nil
}

// Report collects every source now and logs the result.
func (r *Reporter) Report() map[string]interface{} {
	r.mu.Lock()
	sources := append([]source(nil), r.sources...)
	r.reports++
	r.mu.Unlock()

	fields := make(map[string]interface{}, len(sources))
	for _, s := range sources {
		fields[s.name] = s.fn()
	}
	logger.InfoCF("heartbeat", "Relay status", fields)
	return fields
}

// Reports returns how many status reports have been produced.
func (r *Reporter) Reports() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports
}
