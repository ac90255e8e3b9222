// Package backend executes task turns against a conversation provider
// and manages the provider-side context window.
package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/neboloop/warden/internal/config"
	"github.com/neboloop/warden/internal/logging"
	"github.com/neboloop/warden/internal/tasksource"
)

// InvokeResult carries the outcome of one task turn.
type InvokeResult struct {
	InputTokens  int64
	OutputTokens int64
	Result       string
}

// Backend is the conversation backend contract. Invoke raises on
// failure; ResetContext returns a boolean and never raises, so a failed
// reset cannot become a crash of its own.
type Backend interface {
	Invoke(ctx context.Context, task tasksource.Task) (*InvokeResult, error)
	ResetContext(ctx context.Context) bool
}

// Error wraps a provider failure with its origin for crash classification.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Category implements crashtrack.Categorizer.
func (e *Error) Category() string { return e.Provider + "_api_error" }

// message is one transcript entry.
type message struct {
	role    string // "user" or "assistant"
	content string
}

// generator is the provider-specific piece: one stateless completion
// call. The Chat engine owns everything else.
type generator interface {
	id() string
	generate(ctx context.Context, system string, msgs []message) (reply string, tokensIn, tokensOut int64, err error)
}

// Chat maintains a conversation transcript across task turns and
// summarizes it back to a small baseline on reset.
type Chat struct {
	gen    generator
	system string

	mu         sync.Mutex
	transcript []message
	baseline   string // summary of compacted-away turns, folded into the system prompt
}

const summaryInstruction = `Summarize the conversation so far for your own future reference. Keep decisions, open problems, and facts needed to continue the work. Be brief; drop pleasantries and dead ends.`

// newChat wraps a generator in a Chat engine.
func newChat(gen generator, system string) *Chat {
	return &Chat{gen: gen, system: system}
}

// Invoke runs one task turn. The task prompt joins the transcript, the
// reply is appended on success, and usage tokens are reported back.
func (c *Chat) Invoke(ctx context.Context, task tasksource.Task) (*InvokeResult, error) {
	c.mu.Lock()
	msgs := make([]message, len(c.transcript), len(c.transcript)+1)
	copy(msgs, c.transcript)
	msgs = append(msgs, message{role: "user", content: task.Prompt})
	system := c.effectiveSystem()
	c.mu.Unlock()

	reply, in, out, err := c.gen.generate(ctx, system, msgs)
	if err != nil {
		return nil, &Error{Provider: c.gen.id(), Err: err}
	}

	c.mu.Lock()
	c.transcript = append(c.transcript, message{role: "user", content: task.Prompt},
		message{role: "assistant", content: reply})
	c.mu.Unlock()

	return &InvokeResult{InputTokens: in, OutputTokens: out, Result: reply}, nil
}

// ResetContext summarizes the transcript and clears it to a baseline.
// Safe to call with no prior context. Returns false on any failure; the
// transcript is left untouched in that case so no context is lost.
func (c *Chat) ResetContext(ctx context.Context) bool {
	c.mu.Lock()
	if len(c.transcript) == 0 {
		c.mu.Unlock()
		return true
	}
	msgs := make([]message, len(c.transcript), len(c.transcript)+1)
	copy(msgs, c.transcript)
	msgs = append(msgs, message{role: "user", content: summaryInstruction})
	system := c.effectiveSystem()
	c.mu.Unlock()

	summary, _, _, err := c.gen.generate(ctx, system, msgs)
	if err != nil {
		logging.Warnf("backend: context reset failed, keeping stale context: %v", err)
		return false
	}

	c.mu.Lock()
	c.baseline = summary
	c.transcript = nil
	c.mu.Unlock()
	return true
}

// effectiveSystem folds the compaction baseline into the system prompt.
// Caller holds mu.
func (c *Chat) effectiveSystem() string {
	if c.baseline == "" {
		return c.system
	}
	var sb strings.Builder
	sb.WriteString(c.system)
	if c.system != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("Summary of prior work:\n")
	sb.WriteString(c.baseline)
	return sb.String()
}

// New selects and constructs a backend from config.
func New(cfg config.ProviderConfig) (Backend, error) {
	switch cfg.Type {
	case "anthropic":
		return newChat(newAnthropicGenerator(cfg), cfg.SystemPrompt), nil
	case "openai":
		return newChat(newOpenAIGenerator(cfg), cfg.SystemPrompt), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
