// Package notify renders notification messages from event-type
// templates and hands them to a delivery collaborator.
//
// Rendering substitutes ${placeholder} tokens from the event data.
// A template referencing data the event did not carry is a permanent
// failure: redelivering the task cannot repair malformed data, so the
// processor dead-letters it immediately. Delivery failures, by
// contrast, are transient and retryable.
package notify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gigwork/conveyor"
)

// Deliverer is the external delivery collaborator (email, push, SMS).
type Deliverer interface {
	Send(ctx context.Context, address, subject, body string) error
}

// Template is a subject/body pair with ${placeholder} tokens.
type Template struct {
	Subject string
	Body    string
}

// Message is a rendered notification ready for delivery.
type Message struct {
	Subject string
	Body    string
}

var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\}`)

// Render substitutes every ${name} token in the template from data.
// It returns a permanent error when a token has no value: bad data is
// not repaired by retrying.
func (t Template) Render(data map[string]string) (Message, error) {
	var missing []string

	sub := func(s string) string {
		return placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
			name := placeholderRe.FindStringSubmatch(tok)[1]
			v, ok := data[name]
			if !ok {
				missing = append(missing, name)
				return tok
			}
			return v
		})
	}

	msg := Message{Subject: sub(t.Subject), Body: sub(t.Body)}
	if len(missing) > 0 {
		return Message{}, conveyor.Permanent(
			fmt.Errorf("notify: template data missing %s", strings.Join(missing, ", ")))
	}
	return msg, nil
}

// Registry maps event types to their templates. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry returns a Registry pre-loaded with the marketplace's
// standard event templates.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]Template)}
	for event, tmpl := range defaultTemplates {
		r.templates[event] = tmpl
	}
	return r
}

// Register adds or replaces the template for an event type.
func (r *Registry) Register(eventType string, t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[eventType] = t
}

// Lookup returns the template for an event type.
func (r *Registry) Lookup(eventType string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[eventType]
	return t, ok
}

// RenderEvent looks up the event's template and renders it. An unknown
// event type is permanent for the same reason missing data is.
func (r *Registry) RenderEvent(eventType string, data map[string]string) (Message, error) {
	t, ok := r.Lookup(eventType)
	if !ok {
		return Message{}, conveyor.Permanent(fmt.Errorf("notify: no template for event %q", eventType))
	}
	return t.Render(data)
}

// defaultTemplates covers the transition-driven events plus the
// confidence-flag alert.
var defaultTemplates = map[string]Template{
	"job_assigned": {
		Subject: "You have been assigned: ${job_title}",
		Body:    "Job ${job_id} (${job_title}) is now assigned. Status: ${status}.",
	},
	"job_started": {
		Subject: "Work started on ${job_title}",
		Body:    "Work on job ${job_id} (${job_title}) has begun. Status: ${status}.",
	},
	"job_submitted": {
		Subject: "${job_title} is ready for review",
		Body:    "Job ${job_id} (${job_title}) has been submitted for your review.",
	},
	"job_revision": {
		Subject: "Revision requested on ${job_title}",
		Body:    "The client requested changes on job ${job_id} (${job_title}).",
	},
	"job_completed": {
		Subject: "${job_title} completed",
		Body:    "Job ${job_id} (${job_title}) is complete. You earned ${earnings} credits.",
	},
	"job_cancelled": {
		Subject: "${job_title} was cancelled",
		Body:    "Job ${job_id} (${job_title}) has been cancelled.",
	},
	"job_flagged": {
		Subject: "Confidence flag raised on job ${job_id}",
		Body:    "A worker flagged job ${job_id}: ${reason}",
	},
}
