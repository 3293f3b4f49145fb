package text

import (
	"strings"
	"unicode"

	"scriptorium/backend/internal/apperror"
)

const (
	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// Chunk is one window of a document. Start and End are offsets in the
// chunker's unit (runes or tokens) into the normalized text.
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// Tokenizer converts text to and from model tokens.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// Chunker splits text into fixed-size overlapping windows. It holds no
// per-call state, so one instance can be shared by concurrent workers.
type Chunker struct {
	size      int
	overlap   int
	unit      string
	tokenizer Tokenizer
}

type Option func(*Chunker)

// WithTokenizer switches the chunker to token units.
func WithTokenizer(t Tokenizer) Option {
	return func(c *Chunker) {
		c.tokenizer = t
		c.unit = UnitTokens
	}
}

func NewChunker(size, overlap int, opts ...Option) (*Chunker, error) {
	if size <= 0 {
		return nil, apperror.NewValidation("chunk_size", "must be positive")
	}
	if overlap < 0 || overlap >= size {
		return nil, apperror.NewValidation("chunk_overlap", "must be between 0 and chunk_size-1")
	}
	c := &Chunker{size: size, overlap: overlap, unit: UnitChars}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ForUnit builds a chunker for a configured unit name. tok is only
// required for token units.
func ForUnit(size, overlap int, unit string, tok Tokenizer) (*Chunker, error) {
	switch unit {
	case "", UnitChars:
		return NewChunker(size, overlap)
	case UnitTokens:
		if tok == nil {
			return nil, apperror.NewValidation("chunk_unit", "token chunking needs a tokenizer")
		}
		return NewChunker(size, overlap, WithTokenizer(tok))
	default:
		return nil, apperror.NewValidation("chunk_unit", "unknown unit "+unit)
	}
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }
func (c *Chunker) Unit() string { return c.unit }

// Chunk returns the windows of text. Empty or whitespace-only input yields no chunks.
func (c *Chunker) Chunk(text string) []Chunk {
	text = Normalize(text)
	if text == "" {
		return nil
	}

	if c.tokenizer != nil {
		tokens := c.tokenizer.Encode(text)
		return c.window(len(tokens), func(start, end int) string {
			return c.tokenizer.Decode(tokens[start:end])
		})
	}

	runes := []rune(text)
	return c.window(len(runes), func(start, end int) string {
		return string(runes[start:end])
	})
}

func (c *Chunker) window(n int, slice func(start, end int) string) []Chunk {
	step := c.size - c.overlap
	chunks := make([]Chunk, 0, n/step+1)

	for start := 0; start < n; start += step {
		end := start + c.size
		if end > n {
			end = n
		}
		segment := slice(start, end)
		if strings.TrimSpace(segment) != "" {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: segment, Start: start, End: end})
		}
		if end == n {
			break
		}
	}
	return chunks
}

// Normalize unifies line endings and trims surrounding whitespace.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimFunc(text, unicode.IsSpace)
}
