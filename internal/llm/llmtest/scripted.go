// Package llmtest provides a scripted llm.Client for tests and the offline
// self-checks.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"blab/internal/llm"
)

// Reply is one scripted turn: a response text or an error.
type Reply struct {
	Text string
	Err  error
}

// Scripted returns its replies in order and records every call.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	Calls   [][]llm.Message
}

func New(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Texts scripts plain text replies.
func Texts(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.replies = append(s.replies, Reply{Text: t})
	}
	return s
}

func (s *Scripted) Generate(ctx context.Context, msgs []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, append([]llm.Message(nil), msgs...))
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.replies) == 0 {
		return "", fmt.Errorf("llmtest: no scripted reply for call %d", len(s.Calls))
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.Text, r.Err
}

func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// LastPrompt returns the final message of the most recent call.
func (s *Scripted) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Calls) == 0 {
		return ""
	}
	call := s.Calls[len(s.Calls)-1]
	return call[len(call)-1].Content
}
