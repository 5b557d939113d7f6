package session

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/providers"
)

// perMessageOverhead approximates the role and framing tokens every chat
// message costs on top of its content.
const perMessageOverhead = 4

// TokenCounter estimates how many tokens a piece of text costs.
type TokenCounter interface {
	Count(text string) int
}

// TokenCounterFunc adapts a plain function to TokenCounter.
type TokenCounterFunc func(text string) int

func (f TokenCounterFunc) Count(text string) int { return f(text) }

var (
	defaultCounter     TokenCounter
	defaultCounterOnce sync.Once
)

// DefaultTokenCounter returns a cl100k_base BPE counter, or the heuristic
// counter when the encoding cannot be loaded.
func DefaultTokenCounter() TokenCounter {
	defaultCounterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logger.WarnCF("session", "Token encoder unavailable, using heuristic estimate",
				map[string]any{
					"error": err.Error(),
				})
			defaultCounter = HeuristicTokenCounter{}
			return
		}
		defaultCounter = bpeCounter{enc: enc}
	})
	return defaultCounter
}

type bpeCounter struct {
	enc *tiktoken.Tiktoken
}

func (c bpeCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicTokenCounter estimates about four ASCII characters per token and
// two tokens per non-ASCII rune.
type HeuristicTokenCounter struct{}

func (HeuristicTokenCounter) Count(text string) int {
	ascii, other := 0, 0
	for _, r := range text {
		if r <= 127 {
			ascii++
		} else {
			other++
		}
	}
	return (ascii+3)/4 + other*2
}

// EstimateMessages sums the token estimate of msgs including per-message overhead.
func EstimateMessages(counter TokenCounter, msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += counter.Count(m.Content) + perMessageOverhead
	}
	return total
}
