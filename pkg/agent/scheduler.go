package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
)

// DigestScheduler posts a digest to each configured chat whenever the
// cron expression is due. Every post goes through the dispatcher, so it
// is ordered with that chat's own turns.
type DigestScheduler struct {
	expr  string
	chats []string
	post  func(ctx context.Context, key string)
	now   func() time.Time
}

func NewDigestScheduler(expr string, chats []string, post func(ctx context.Context, key string)) (*DigestScheduler, error) {
	expr = strings.TrimSpace(expr)
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return nil, fmt.Errorf("invalid digest schedule %q", expr)
	}
	keys := make([]string, 0, len(chats))
	for _, c := range chats {
		if _, _, ok := splitKey(c); !ok {
			return nil, fmt.Errorf("invalid digest chat %q: want channel:chat_id", c)
		}
		keys = append(keys, strings.TrimSpace(c))
	}
	return &DigestScheduler{expr: expr, chats: keys, post: post, now: time.Now}, nil
}

// Run blocks until ctx is done.
func (s *DigestScheduler) Run(ctx context.Context) {
	logger.InfoCF("agent", "Digest scheduler started", map[string]any{
		"schedule": s.expr,
		"chats":    len(s.chats),
	})
	for {
		next, err := gronx.NextTickAfter(s.expr, s.now(), false)
		if err != nil {
			logger.ErrorCF("agent", "Digest schedule has no next tick", map[string]any{
				"schedule": s.expr,
				"error":    err.Error(),
			})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx)
		}
	}
}

func (s *DigestScheduler) fire(ctx context.Context) {
	for _, key := range s.chats {
		s.post(ctx, key)
	}
}

// splitKey splits a dialogue key on its first colon.
func splitKey(key string) (channel, chatID string, ok bool) {
	channel, chatID, ok = strings.Cut(strings.TrimSpace(key), ":")
	if !ok || channel == "" || chatID == "" {
		return "", "", false
	}
	return channel, chatID, true
}
