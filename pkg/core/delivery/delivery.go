package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jakechorley/shift-notifier/pkg/db"
)

var (
	// ErrNoContent means the payload has no section for the channel
	ErrNoContent = errors.New("no content for channel")
	// ErrNotConfigured means the channel or the recipient's address is not set up
	ErrNotConfigured = errors.New("channel not configured")
)

// Channel delivers a notification request over one transport.
// Returning ErrNoContent or ErrNotConfigured (possibly wrapped) marks the
// channel as skipped rather than failed.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, req *db.NotificationRequest) error
}

// OutcomeStatus is the result of one channel attempt
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is one channel's result with optional detail
type Outcome struct {
	Status OutcomeStatus
	Detail string
}

// Report maps channel name to outcome for a single request
type Report map[string]Outcome

// Succeeded reports whether at least one channel delivered
func (r Report) Succeeded() bool {
	for _, o := range r {
		if o.Status == OutcomeSuccess {
			return true
		}
	}
	return false
}

// String renders "email: success; push: <failure detail>" in channel order.
// Skipped channels render as "<name>: skipped (<detail>)".
func (r Report) String() string {
	if len(r) == 0 {
		return "no channels"
	}

	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		o := r[name]
		switch o.Status {
		case OutcomeSuccess:
			parts = append(parts, name+": success")
		case OutcomeSkipped:
			if o.Detail != "" {
				parts = append(parts, fmt.Sprintf("%s: skipped (%s)", name, o.Detail))
			} else {
				parts = append(parts, name+": skipped")
			}
		default:
			parts = append(parts, name+": "+o.Detail)
		}
	}
	return strings.Join(parts, "; ")
}

// Failures renders only the failed channels, or "" when none failed
func (r Report) Failures() string {
	failed := Report{}
	for name, o := range r {
		if o.Status == OutcomeFailure {
			failed[name] = o
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return failed.String()
}

// Status maps the report onto the request's terminal status: sent if any
// channel succeeded, failed otherwise (including when every channel skipped)
func (r Report) Status() db.Status {
	if r.Succeeded() {
		return db.StatusSent
	}
	return db.StatusFailed
}

// DeliverAll attempts every channel independently; one channel's failure
// never prevents the others from being tried
func DeliverAll(ctx context.Context, channels []Channel, req *db.NotificationRequest) Report {
	report := make(Report, len(channels))

	for _, ch := range channels {
		report[ch.Name()] = attempt(ctx, ch, req)
	}

	return report
}

func attempt(ctx context.Context, ch Channel, req *db.NotificationRequest) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Status: OutcomeFailure, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	err := ch.Deliver(ctx, req)
	switch {
	case err == nil:
		return Outcome{Status: OutcomeSuccess}
	case errors.Is(err, ErrNoContent):
		return Outcome{Status: OutcomeSkipped, Detail: "no content"}
	case errors.Is(err, ErrNotConfigured):
		return Outcome{Status: OutcomeSkipped, Detail: err.Error()}
	default:
		return Outcome{Status: OutcomeFailure, Detail: err.Error()}
	}
}
