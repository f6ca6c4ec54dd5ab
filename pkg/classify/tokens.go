package classify

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts when an LLM response carries no usage
// block.
type TokenCounter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewTokenCounter creates a counter with an empty codec cache.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// Count estimates the tokens in text for model. It returns false when no
// codec could be loaded.
func (c *TokenCounter) Count(model, text string) (int, bool) {
	if c == nil || text == "" {
		return 0, false
	}
	codec, err := c.codec(modelEncoding(model))
	if err != nil {
		return 0, false
	}
	n, err := codec.Count(text)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *TokenCounter) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	if cached, ok := c.codecs[enc]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// modelEncoding maps model names to encodings. Unknown models use the
// newest encoding.
func modelEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"), strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
