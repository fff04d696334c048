package tokens

import (
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/providers"
)

// Budgeter decides whether a prompt leaves enough headroom for the reply.
type Budgeter struct {
	estimator Estimator
	windows   *Windows
}

func NewBudgeter(estimator Estimator, windows *Windows) *Budgeter {
	if windows == nil {
		windows = NewWindows(nil, 0)
	}
	return &Budgeter{estimator: estimator, windows: windows}
}

// NewBudgeterFromConfig wires the estimator and window table named in cfg.
func NewBudgeterFromConfig(cfg config.TokensConfig) (*Budgeter, error) {
	estimator, err := NewEstimator(cfg.Estimator)
	if err != nil {
		return nil, err
	}
	return NewBudgeter(estimator, NewWindows(cfg.ContextWindows, cfg.DefaultWindow)), nil
}

// Fits reports whether window(model) - estimate(candidate) >= reserved.
func (b *Budgeter) Fits(candidate []providers.Message, model string, reserved int) (bool, error) {
	window, err := b.windows.ContextWindow(model)
	if err != nil {
		return false, err
	}
	used, err := b.estimator.EstimateTokens(model, candidate)
	if err != nil {
		return false, err
	}
	return window-used >= reserved, nil
}

// Select returns system followed by the longest suffix of history that
// still fits. History is walked newest to oldest and the walk stops at the
// first message that would break the budget or cannot be estimated, so a
// gap never opens in the middle of the conversation. The system message is
// always returned, even when it alone exceeds the budget.
//
// Each message is estimated once and costs are summed, which matches Fits
// because estimates are additive.
func (b *Budgeter) Select(system providers.Message, history []providers.Message, model string, reserved int) []providers.Message {
	start := len(history)
	window, err := b.windows.ContextWindow(model)
	if err == nil {
		used, err := b.estimator.EstimateTokens(model, []providers.Message{system})
		for i := len(history) - 1; err == nil && i >= 0; i-- {
			cost, estErr := b.estimator.EstimateMessage(model, history[i])
			if estErr != nil || window-(used+cost) < reserved {
				break
			}
			used += cost
			start = i
		}
	}

	out := make([]providers.Message, 0, 1+len(history)-start)
	out = append(out, system)
	out = append(out, history[start:]...)
	return out
}
