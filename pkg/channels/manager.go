// Partyline - chat relay linking QQ, Discord and Telegram
// License: MIT
//
// Copyright (c) 2026 Partyline contributors

package channels

import (
	"context"
	"sort"
	"sync"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/logger"
	"github.com/sipeed/partyline/pkg/relay"
)

// Manager owns the enabled adapters and resolves them for the relay engine.
type Manager struct {
	channels map[string]Channel
	config   *config.Config
	mu       sync.RWMutex
}

func NewManager(cfg *config.Config) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		config:   cfg,
	}

	if err := m.initChannels(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) initChannels() error {
	logger.InfoC("channels", "Initializing channel manager")
	adapters := m.config.Adapters

	if adapters.OneBot.Enabled && adapters.OneBot.WSUrl != "" {
		logger.DebugC("channels", "Attempting to initialize OneBot channel")
		onebot, err := NewOneBotChannel(adapters.OneBot)
		if err != nil {
			logInitError("OneBot", err)
		} else {
			m.channels["onebot"] = onebot
			logger.InfoC("channels", "OneBot channel enabled successfully")
		}
	}

	if adapters.Discord.Enabled && adapters.Discord.Token != "" {
		logger.DebugC("channels", "Attempting to initialize Discord channel")
		discord, err := NewDiscordChannel(adapters.Discord)
		if err != nil {
			logInitError("Discord", err)
		} else {
			m.channels["discord"] = discord
			logger.InfoC("channels", "Discord channel enabled successfully")
		}
	}

	if adapters.Telegram.Enabled && adapters.Telegram.Token != "" {
		logger.DebugC("channels", "Attempting to initialize Telegram channel")
		telegram, err := NewTelegramChannel(adapters.Telegram)
		if err != nil {
			logInitError("Telegram", err)
		} else {
			m.channels["telegram"] = telegram
			logger.InfoC("channels", "Telegram channel enabled successfully")
		}
	}

	if adapters.QQBot.Enabled {
		logger.DebugC("channels", "Attempting to initialize QQ bot channel")
		qqbot, err := NewQQBotChannel(adapters.QQBot)
		if err != nil {
			logInitError("QQ bot", err)
		} else {
			m.channels["qqbot"] = qqbot
			logger.InfoC("channels", "QQ bot channel enabled successfully")
		}
	}

	if adapters.Console.Enabled {
		m.channels["console"] = NewConsoleChannel(adapters.Console)
		logger.InfoC("channels", "Console channel enabled successfully")
	}

	logger.InfoCF("channels", "Channel initialization completed", map[string]interface{}{
		"enabled_channels": len(m.channels),
	})

	return nil
}

func logInitError(name string, err error) {
	logger.ErrorCF("channels", "Failed to initialize "+name+" channel", map[string]interface{}{
		"error": err.Error(),
	})
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	logger.InfoC("channels", "Starting all channels")

	for name, channel := range m.channels {
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{
			"channel": name,
		})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All channels started")
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	for name, channel := range m.channels {
		logger.InfoCF("channels", "Stopping channel", map[string]interface{}{
			"channel": name,
		})
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All channels stopped")
	return nil
}

// Adapter implements relay.Registry. An exact bot id match wins, otherwise
// the platform's only adapter is used: most adapters learn their own id
// after connecting, and endpoints may leave bot_id empty.
func (m *Manager) Adapter(platform link.Platform, botID string) (relay.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []Channel
	for _, ch := range m.channels {
		if ch.Platform() != platform {
			continue
		}
		if ch.BotID() == botID {
			return ch, true
		}
		candidates = append(candidates, ch)
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	return nil, false
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled":  true,
			"running":  channel.IsRunning(),
			"platform": string(channel.Platform()),
			"bot_id":   channel.BotID(),
		}
	}
	return status
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}
