package crashtrack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one failure occurrence. Records are immutable once appended;
// the only amendment allowed is the recovery outcome, which becomes known
// one iteration after the crash (see Tracker.MarkRecovery).
type Record struct {
	ID        string
	Timestamp time.Time
	Category  string            // classification key, e.g. "deadline_exceeded" or an error type name
	Message   string
	Detail    string            // stack trace or equivalent, may be empty
	Context   map[string]string // task id, iteration number, caller-supplied tags

	RecoveryAttempted bool
	RecoverySucceeded bool
}

// Categorizer lets error types supply their own classification key.
type Categorizer interface {
	Category() string
}

// Detailer lets error types supply diagnostic detail, such as the stack
// trace of a recovered panic.
type Detailer interface {
	Detail() string
}

// newRecord builds a Record from an error, copying the context map so the
// caller cannot mutate it afterwards.
func newRecord(err error, ctx map[string]string) Record {
	cp := make(map[string]string, len(ctx))
	for k, v := range ctx {
		cp[k] = v
	}
	var detail string
	var d Detailer
	if errors.As(err, &d) {
		detail = d.Detail()
	}
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Category:  Categorize(err),
		Message:   err.Error(),
		Detail:    detail,
		Context:   cp,
	}
}

// Categorize derives a classification key from an error. Errors may
// implement Categorizer; otherwise well-known sentinel errors and the
// dynamic type name are used.
func Categorize(err error) string {
	if err == nil {
		return "unknown"
	}
	var c Categorizer
	if errors.As(err, &c) {
		return c.Category()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if name == "errors.errorString" || name == "fmt.wrapError" {
		return "error"
	}
	return name
}
