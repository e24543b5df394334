package observability

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/weaviate/tiktoken-go"
)

// TokenCounter estimates token counts with the cl100k_base encoding. When the
// encoding cannot be loaded it falls back to four bytes per token.
type TokenCounter struct {
	logger *logrus.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenCounter(logger *logrus.Logger) *TokenCounter {
	return &TokenCounter{logger: logger}
}

func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.logger.WithError(err).Warn("Token encoding unavailable, using byte estimate")
			return
		}
		c.enc = enc
	})

	if c.enc == nil {
		return EstimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateTokens is the byte-length heuristic used without an encoding.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
