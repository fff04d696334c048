// Package tokens estimates prompt sizes and selects how much chat history
// fits in a model's context window.
package tokens

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Chat framing overhead, per the OpenAI cookbook accounting for
// gpt-3.5/gpt-4 style models.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	replyPriming     = 3
)

var ErrUnknownModel = errors.New("tokens: unknown model")

// Estimator counts the prompt tokens a message list costs for a model.
// Costs are additive: EstimateTokens equals the reply priming plus the
// sum of EstimateMessage over msgs.
type Estimator interface {
	EstimateTokens(model string, msgs []providers.Message) (int, error)
	EstimateMessage(model string, msg providers.Message) (int, error)
}

// NormalizeModel strips a routing vendor prefix ("openai/gpt-4o" -> "gpt-4o")
// and surrounding whitespace.
func NormalizeModel(model string) string {
	model = strings.TrimSpace(model)
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	return strings.ToLower(model)
}

var loaderOnce sync.Once

// o200kPrefixes are model families encoded with o200k_base.
var o200kPrefixes = []string{"gpt-4o", "gpt-4.1", "gpt-4.5", "gpt-5", "chatgpt-4o", "o1", "o3", "o4"}

// fallbackEncoding stands in for tables the offline loader does not ship.
// cl100k_base needs at least as many tokens as o200k_base for the same
// text in practice, so budgets err on the safe side.
const fallbackEncoding = "cl100k_base"

// TiktokenEstimator counts tokens with the model's BPE encoding. Encoding
// tables come from the offline loader, so no network access happens at
// runtime. Models whose table is not bundled are counted with
// cl100k_base.
type TiktokenEstimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewTiktokenEstimator() *TiktokenEstimator {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	return &TiktokenEstimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (e *TiktokenEstimator) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	name := NormalizeModel(model)
	if name == "" {
		return nil, fmt.Errorf("%w: empty model name", ErrUnknownModel)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encodings[name]; ok {
		return enc, nil
	}
	enc, err := loadEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrUnknownModel, model, err)
	}
	e.encodings[name] = enc
	return enc, nil
}

func loadEncoding(name string) (*tiktoken.Tiktoken, error) {
	if isO200kModel(name) {
		if enc, err := tiktoken.GetEncoding("o200k_base"); err == nil {
			return enc, nil
		}
		return tiktoken.GetEncoding(fallbackEncoding)
	}
	return tiktoken.EncodingForModel(name)
}

func isO200kModel(name string) bool {
	for _, prefix := range o200kPrefixes {
		if name == prefix || strings.HasPrefix(name, prefix+"-") {
			return true
		}
	}
	return false
}

func (e *TiktokenEstimator) EstimateTokens(model string, msgs []providers.Message) (int, error) {
	enc, err := e.encodingFor(model)
	if err != nil {
		return 0, err
	}

	count := replyPriming
	for _, msg := range msgs {
		count += messageTokens(enc, msg)
	}
	return count, nil
}

func (e *TiktokenEstimator) EstimateMessage(model string, msg providers.Message) (int, error) {
	enc, err := e.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return messageTokens(enc, msg), nil
}

func messageTokens(enc *tiktoken.Tiktoken, msg providers.Message) int {
	count := tokensPerMessage + encodedLen(enc, msg.Role) + encodedLen(enc, msg.Content)
	if msg.Name != "" {
		count += encodedLen(enc, msg.Name) + tokensPerName
	}
	return count
}

// encodedLen allows special-token text so user content containing
// "<|endoftext|>" is counted instead of rejected.
func encodedLen(enc *tiktoken.Tiktoken, s string) int {
	if s == "" {
		return 0
	}
	return len(enc.Encode(s, allSpecial, nil))
}

var allSpecial = []string{"all"}

// FallbackEstimator uses the tiktoken table when the model has one and the
// character heuristic otherwise.
type FallbackEstimator struct {
	Primary   Estimator
	Secondary Estimator
}

func (f FallbackEstimator) EstimateTokens(model string, msgs []providers.Message) (int, error) {
	n, err := f.Primary.EstimateTokens(model, msgs)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, ErrUnknownModel) || f.Secondary == nil {
		return 0, err
	}
	return f.Secondary.EstimateTokens(model, msgs)
}

func (f FallbackEstimator) EstimateMessage(model string, msg providers.Message) (int, error) {
	n, err := f.Primary.EstimateMessage(model, msg)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, ErrUnknownModel) || f.Secondary == nil {
		return 0, err
	}
	return f.Secondary.EstimateMessage(model, msg)
}

const charsPerToken = 4

// CharEstimator approximates four characters per token. It never fails,
// which makes it the fallback for models no BPE table knows.
type CharEstimator struct{}

func NewCharEstimator() CharEstimator {
	return CharEstimator{}
}

func (CharEstimator) EstimateTokens(_ string, msgs []providers.Message) (int, error) {
	count := replyPriming
	for _, msg := range msgs {
		n, _ := CharEstimator{}.EstimateMessage("", msg)
		count += n
	}
	return count, nil
}

func (CharEstimator) EstimateMessage(_ string, msg providers.Message) (int, error) {
	count := tokensPerMessage + charTokens(msg.Role) + charTokens(msg.Content)
	if msg.Name != "" {
		count += charTokens(msg.Name) + tokensPerName
	}
	return count, nil
}

func charTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// NewEstimator returns the estimator named by tokens.estimator: "auto"
// (tiktoken, characters for unknown models), "tiktoken" (unknown models
// are an error) or "chars".
func NewEstimator(name string) (Estimator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return FallbackEstimator{Primary: NewTiktokenEstimator(), Secondary: NewCharEstimator()}, nil
	case "tiktoken":
		return NewTiktokenEstimator(), nil
	case "chars":
		return NewCharEstimator(), nil
	default:
		return nil, fmt.Errorf("unknown token estimator %q", name)
	}
}
