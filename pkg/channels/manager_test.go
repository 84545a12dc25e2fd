package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/link"
)

type stubChannel struct {
	*BaseChannel
	started, stopped int
}

func newStubChannel(name string, platform link.Platform, botID string) *stubChannel {
	return &stubChannel{BaseChannel: NewBaseChannel(name, platform, botID)}
}

func (s *stubChannel) Start(ctx context.Context) error {
	s.started++
	s.setRunning(true)
	return nil
}

func (s *stubChannel) Stop(ctx context.Context) error {
	s.stopped++
	s.setRunning(false)
	return nil
}

func (s *stubChannel) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	return "1", nil
}

func (s *stubChannel) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return nil
}

func TestNewManager_EnabledAdapters(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Adapters.Console.Enabled = true
	cfg.Adapters.Discord.Enabled = true
	cfg.Adapters.Discord.Token = "t"
	cfg.Adapters.Telegram.Enabled = true // no token: skipped
	cfg.Adapters.QQBot.Enabled = true    // no credentials: logged and skipped

	m, err := NewManager(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"console", "discord"}, m.GetEnabledChannels())

	_, ok := m.GetChannel("telegram")
	assert.False(t, ok)
}

func TestManager_AdapterLookup(t *testing.T) {
	m, err := NewManager(config.DefaultConfig())
	require.NoError(t, err)

	a1 := newStubChannel("onebot-a", link.PlatformOneBot, "111")
	a2 := newStubChannel("onebot-b", link.PlatformOneBot, "222")
	dc := newStubChannel("discord", link.PlatformDiscord, "")
	m.RegisterChannel("onebot-a", a1)
	m.RegisterChannel("onebot-b", a2)
	m.RegisterChannel("discord", dc)

	got, ok := m.Adapter(link.PlatformOneBot, "222")
	require.True(t, ok)
	assert.Same(t, a2, got)

	// Two accounts on one platform: an unknown id is ambiguous.
	_, ok = m.Adapter(link.PlatformOneBot, "333")
	assert.False(t, ok)

	// The sole adapter of a platform serves any configured id.
	got, ok = m.Adapter(link.PlatformDiscord, "999")
	require.True(t, ok)
	assert.Same(t, dc, got)

	_, ok = m.Adapter(link.PlatformTelegram, "")
	assert.False(t, ok)

	m.UnregisterChannel("onebot-b")
	got, ok = m.Adapter(link.PlatformOneBot, "333")
	require.True(t, ok)
	assert.Same(t, a1, got)
}

func TestManager_StartStopAndStatus(t *testing.T) {
	m, err := NewManager(config.DefaultConfig())
	require.NoError(t, err)
	ch := newStubChannel("stub", link.PlatformTelegram, "42")
	m.RegisterChannel("stub", ch)

	require.NoError(t, m.StartAll(context.Background()))
	assert.Equal(t, 1, ch.started)

	status := m.GetStatus()["stub"].(map[string]interface{})
	assert.Equal(t, true, status["running"])
	assert.Equal(t, "telegram", status["platform"])
	assert.Equal(t, "42", status["bot_id"])

	require.NoError(t, m.StopAll(context.Background()))
	assert.Equal(t, 1, ch.stopped)
	assert.False(t, ch.IsRunning())
}
