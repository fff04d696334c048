// ChatRelay - Discord relay for LLM chat completions
// Based on DotAgent: https://github.com/dotsetgreg/dotagent
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/dotsetgreg/chatrelay/pkg/state"
	"github.com/dotsetgreg/chatrelay/pkg/tokens"
	"github.com/dotsetgreg/chatrelay/pkg/utils"
)

type AgentLoop struct {
	bus        *bus.MessageBus
	provider   providers.CompletionProvider
	store      state.Store
	machine    *Machine
	turns      *TurnExecutor
	scheduler  *DigestScheduler
	dispatcher atomic.Pointer[Dispatcher]
	model      string
	backend    string
	streaming  bool
	idle       time.Duration
	running    atomic.Bool
}

// NewAgentLoop wires the state machine from cfg. images may be nil, in
// which case /imagine explains that it is not configured.
func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.CompletionProvider, store state.Store, images ImageGenerator) (*AgentLoop, error) {
	if store == nil {
		return nil, errors.New("agent loop requires a context store")
	}
	budgeter, err := tokens.NewBudgeterFromConfig(cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("initialize token budgeter: %w", err)
	}

	model := strings.TrimSpace(cfg.Agent.Model)
	if model == "" {
		model = provider.GetDefaultModel()
	}
	opts := TurnOptions{
		Model:          model,
		BotName:        cfg.Agent.BotName,
		MaxTokens:      cfg.Agent.MaxCompletionTokens,
		Timeout:        time.Duration(cfg.Agent.CompletionTimeoutSeconds) * time.Second,
		Streaming:      cfg.Agent.Streaming,
		TypingInterval: time.Duration(cfg.Agent.TypingIntervalMS) * time.Millisecond,
	}

	builder := NewContextBuilder(cfg.Agent.SystemPrompt, budgeter, cfg.Agent.MaxCompletionTokens)
	turns := NewTurnExecutor(provider, builder, opts)
	digester := NewDigester(provider, opts)
	machine := NewMachine(store, turns, digester, images, msgBus, MachineOptions{
		Retention:       time.Duration(cfg.Group.RetentionHours) * time.Hour,
		MaxObservations: cfg.Group.MaxObservations,
		ShowUsage:       cfg.Agent.ShowUsage,
		Thresholds:      tokens.NewThresholds(cfg.Tokens.WarnThresholds, cfg.Tokens.WarnThreshold),
		ImageTimeout:    imageTimeout(cfg),
	})

	al := &AgentLoop{
		bus:       msgBus,
		provider:  provider,
		store:     store,
		machine:   machine,
		turns:     turns,
		model:     model,
		backend:   cfg.State.Backend,
		streaming: cfg.Agent.Streaming,
		idle:      time.Duration(cfg.Agent.WorkerIdleSeconds) * time.Second,
	}

	if strings.TrimSpace(cfg.Digest.Schedule) != "" {
		sched, err := NewDigestScheduler(cfg.Digest.Schedule, cfg.Digest.Chats, al.postDigest)
		if err != nil {
			return nil, err
		}
		al.scheduler = sched
	}
	return al, nil
}

// Run consumes inbound messages until ctx is done or the bus closes.
// Each message is handled on its chat's worker.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	defer al.running.Store(false)

	dispatcher := NewDispatcher(ctx, al.idle)
	al.dispatcher.Store(dispatcher)
	defer dispatcher.Close()

	if al.scheduler != nil {
		go al.scheduler.Run(ctx)
	}

	for al.running.Load() {
		msg, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		key := msg.SessionKey
		if key == "" {
			key = state.Key(msg.Channel, msg.ChatID)
			msg.SessionKey = key
		}

		logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s", msg.Channel, msg.SenderID, utils.Truncate(msg.Content, 80)),
			map[string]any{
				"channel":     msg.Channel,
				"chat_id":     msg.ChatID,
				"sender_id":   msg.SenderID,
				"session_key": key,
				"private":     msg.IsPrivate,
			})

		if !dispatcher.Submit(key, func(ctx context.Context) { al.handle(ctx, msg) }) {
			return nil
		}
	}
	return nil
}

func (al *AgentLoop) handle(ctx context.Context, msg bus.InboundMessage) {
	err := al.machine.Handle(ctx, msg)
	if err == nil {
		return
	}
	var te *TurnError
	if errors.As(err, &te) {
		// Already logged under its correlation id and reported to the chat.
		return
	}
	logger.WarnCF("agent", "Message handling failed", map[string]any{
		"session_key": msg.SessionKey,
		"error":       err.Error(),
	})
}

func (al *AgentLoop) postDigest(_ context.Context, key string) {
	d := al.dispatcher.Load()
	if d == nil {
		return
	}
	d.Submit(key, func(ctx context.Context) {
		if err := al.machine.PostDigest(ctx, key); err != nil {
			logger.WarnCF("agent", "Scheduled digest failed", map[string]any{
				"session_key": key,
				"error":       err.Error(),
			})
		}
	})
}

func imageTimeout(cfg *config.Config) time.Duration {
	if s := cfg.Images.Replicate.TimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return time.Duration(cfg.Agent.CompletionTimeoutSeconds) * time.Second
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

// SetClock replaces the time source used for typing throttling.
func (al *AgentLoop) SetClock(c Clock) {
	al.turns.SetClock(c)
}

func (al *AgentLoop) GetStartupInfo() map[string]interface{} {
	info := map[string]interface{}{
		"model":     al.model,
		"streaming": al.streaming,
		"backend":   al.backend,
		"digest":    al.scheduler != nil,
	}
	if al.scheduler != nil {
		info["digest_schedule"] = al.scheduler.expr
		info["digest_chats"] = len(al.scheduler.chats)
	}
	return info
}
