// ChatRelay - Discord relay for LLM chat completions
// Based on DotAgent: https://github.com/dotsetgreg/dotagent
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
)

type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

func NewManager(messageBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
	}
}

// NewManagerFromConfig registers every channel enabled in cfg.
func NewManagerFromConfig(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := NewManager(messageBus)
	logger.InfoC("channels", "Initializing channel manager")

	if strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return nil, fmt.Errorf("channels.discord.token is required")
	}

	logger.DebugC("channels", "Attempting to initialize Discord channel")
	discord, err := NewDiscordChannel(cfg.Channels.Discord, messageBus)
	if err != nil {
		return nil, fmt.Errorf("initialize Discord channel: %w", err)
	}
	m.RegisterChannel(discord.Name(), discord)
	logger.InfoC("channels", "Discord channel initialized successfully")

	logger.InfoCF("channels", "Channel initialization completed", map[string]interface{}{
		"enabled_channels": len(m.channels),
	})
	return m, nil
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	if len(m.channels) == 0 {
		m.mu.RUnlock()
		logger.WarnC("channels", "No channels enabled")
		return nil
	}
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.RUnlock()

	logger.InfoC("channels", "Starting all channels")

	var started []string
	var startErrors []string
	for name, channel := range channelsCopy {
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{"channel": name})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			if err := channelsCopy[name].Stop(ctx); err != nil {
				logger.WarnCF("channels", "Failed to stop partially-started channel", map[string]interface{}{
					"channel": name,
					"error":   err.Error(),
				})
			}
		}
		return fmt.Errorf("failed to start channels: %s", strings.Join(startErrors, "; "))
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
	}
	m.dispatchTask = &asyncTask{cancel: cancel}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	logger.InfoCF("channels", "All channels started", map[string]interface{}{
		"count": len(started),
	})
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
		m.dispatchTask = nil
	}

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

func (m *Manager) dispatchOutbound(ctx context.Context) {
	logger.InfoC("channels", "Outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.InfoC("channels", "Outbound dispatcher stopped")
			return
		}
		m.deliver(ctx, msg)
	}
}

// deliver routes one outbound message by kind. Failures are transport
// errors: logged, never retried.
func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	m.mu.RLock()
	channel, exists := m.channels[msg.Channel]
	m.mu.RUnlock()

	if !exists {
		logger.WarnCF("channels", "Unknown channel for outbound message", map[string]interface{}{
			"channel": msg.Channel,
		})
		return
	}

	var err error
	kind := msg.EffectiveKind()
	switch kind {
	case bus.OutboundTyping:
		err = channel.SendTyping(ctx, msg.ChatID)
	case bus.OutboundMedia:
		err = channel.SendMedia(ctx, msg.ChatID, msg.Media)
	default:
		err = channel.Send(ctx, msg)
	}
	if err != nil {
		logger.ErrorCF("channels", "Error sending message to channel", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"kind":    string(kind),
			"error":   err.Error(),
		})
	}
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
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// Ready reports whether at least one channel is registered and all of
// them are running.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.channels) == 0 {
		return false
	}
	for _, channel := range m.channels {
		if !channel.IsRunning() {
			return false
		}
	}
	return true
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
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
