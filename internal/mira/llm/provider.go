// Package llm abstracts the text generation backend behind a small
// provider interface with an OpenAI-compatible HTTP implementation.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmptyCompletion is returned when the backend answers successfully
	// but produces no usable text.
	ErrEmptyCompletion = errors.New("llm: empty completion")

	// ErrRateLimited is returned on HTTP 429 responses.
	ErrRateLimited = errors.New("llm: rate limited")
)

// Message is one entry of the prompt transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Provider produces one completion per call.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}
