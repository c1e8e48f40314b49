// Package status implements the transition authority for marketplace
// jobs: a pure decision function over a closed set of status edges,
// gated by actor role, that declares — but never executes — the side
// effects each transition mandates.
//
// Callers are responsible for applying a transition's declared side
// effects atomically with the status write. The authority itself does
// no I/O and is safe for concurrent use.
package status

import (
	"errors"
	"fmt"
)

// State is a job lifecycle status.
type State string

const (
	Pending    State = "pending"
	Assigned   State = "assigned"
	InProgress State = "in_progress"
	Review     State = "review"
	Revision   State = "revision"
	Completed  State = "completed"
	Cancelled  State = "cancelled"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Pending, Assigned, InProgress, Review, Revision, Completed, Cancelled:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing edges.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled
}

// Role is the actor requesting a transition.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

// Sentinel errors for denied transitions. Both are validation errors:
// precise, user-facing, never retried.
var (
	// ErrInvalidTransition means the requested edge does not exist —
	// the current state is terminal or the target is not reachable.
	ErrInvalidTransition = errors.New("status: invalid transition")

	// ErrForbidden means the edge exists but the actor's role is not
	// permitted to traverse it.
	ErrForbidden = errors.New("status: role not permitted for transition")
)

// Edge is a directed (from, to) pair in the status graph. Using the
// typed pair as a map key keeps lookups exact without stringly keys.
type Edge struct {
	From State
	To   State
}

// TimestampField names a Job timestamp stamped by a transition.
type TimestampField string

const (
	FieldAssignedAt  TimestampField = "assignedAt"
	FieldStartedAt   TimestampField = "startedAt"
	FieldCompletedAt TimestampField = "completedAt"
)

// Audience identifies who a transition-triggered notification targets.
type Audience string

const (
	NotifyClient Audience = "client"
	NotifyWorker Audience = "worker"
	NotifyAdmin  Audience = "admin"
)

// Effect is one declared side effect of a transition. Exactly one of
// the variant fields is meaningful, selected by Kind.
type Effect struct {
	Kind EffectKind

	// Field is set when Kind == EffectStampTimestamp.
	Field TimestampField

	// Target is set when Kind == EffectNotify.
	Target Audience
}

// EffectKind tags the Effect variant.
type EffectKind string

const (
	// EffectStampTimestamp stamps the named Job timestamp field with
	// the transition time. Each field is stamped exactly once.
	EffectStampTimestamp EffectKind = "stamp_timestamp"

	// EffectNotify enqueues a notification to the named audience.
	EffectNotify EffectKind = "notify"

	// EffectComputeEarnings computes and records worker earnings.
	// Declared only on review -> completed.
	EffectComputeEarnings EffectKind = "compute_earnings"
)

// StampTimestamp declares a timestamp-stamp effect.
func StampTimestamp(f TimestampField) Effect {
	return Effect{Kind: EffectStampTimestamp, Field: f}
}

// Notify declares a notification effect.
func Notify(a Audience) Effect {
	return Effect{Kind: EffectNotify, Target: a}
}

// ComputeEarnings declares the worker-earnings effect.
func ComputeEarnings() Effect {
	return Effect{Kind: EffectComputeEarnings}
}

// edgeRule is the per-edge policy: which roles may traverse it and
// which effects it mandates.
type edgeRule struct {
	roles   map[Role]struct{}
	effects []Effect
}

func roles(rs ...Role) map[Role]struct{} {
	m := make(map[Role]struct{}, len(rs))
	for _, r := range rs {
		m[r] = struct{}{}
	}
	return m
}

// edges is the closed transition table. An edge absent from this map
// does not exist; a role absent from an edge's set is forbidden.
// Admins are permitted on every declared edge.
var edges = map[Edge]edgeRule{
	{Pending, Assigned}: {
		roles: roles(RoleAdmin),
		effects: []Effect{
			StampTimestamp(FieldAssignedAt),
			Notify(NotifyWorker),
			Notify(NotifyClient),
		},
	},
	{Pending, Cancelled}: {
		roles:   roles(RoleClient, RoleAdmin),
		effects: []Effect{Notify(NotifyAdmin)},
	},
	{Assigned, InProgress}: {
		roles: roles(RoleWorker, RoleAdmin),
		effects: []Effect{
			StampTimestamp(FieldStartedAt),
			Notify(NotifyClient),
		},
	},
	{Assigned, Cancelled}: {
		roles:   roles(RoleClient, RoleAdmin),
		effects: []Effect{Notify(NotifyWorker), Notify(NotifyAdmin)},
	},
	{InProgress, Review}: {
		roles:   roles(RoleWorker, RoleAdmin),
		effects: []Effect{Notify(NotifyClient)},
	},
	{InProgress, Cancelled}: {
		roles:   roles(RoleAdmin),
		effects: []Effect{Notify(NotifyClient), Notify(NotifyWorker)},
	},
	{Review, Completed}: {
		roles: roles(RoleClient, RoleAdmin),
		effects: []Effect{
			StampTimestamp(FieldCompletedAt),
			ComputeEarnings(),
			Notify(NotifyWorker),
		},
	},
	{Review, Revision}: {
		roles:   roles(RoleClient, RoleAdmin),
		effects: []Effect{Notify(NotifyWorker)},
	},
	{Revision, InProgress}: {
		roles:   roles(RoleWorker, RoleAdmin),
		effects: []Effect{Notify(NotifyClient)},
	},
	{Revision, Cancelled}: {
		roles:   roles(RoleClient, RoleAdmin),
		effects: []Effect{Notify(NotifyWorker), Notify(NotifyAdmin)},
	},
}

// Decision is the authority's answer: whether the transition may
// proceed and, if so, the side effects the caller must apply
// atomically with the status write.
type Decision struct {
	Allowed bool
	NoOp    bool
	Reason  error
	Effects []Effect
}

// Decide returns the decision for moving a job from current to
// requested as the given role.
//
// Same-status requests are always allowed as a no-op with no effects,
// so re-submitted requests are idempotent.
func Decide(current, requested State, role Role) Decision {
	if current == requested {
		return Decision{Allowed: true, NoOp: true}
	}

	rule, ok := edges[Edge{From: current, To: requested}]
	if !ok {
		return Decision{
			Allowed: false,
			Reason:  fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, requested),
		}
	}

	if _, permitted := rule.roles[role]; !permitted {
		return Decision{
			Allowed: false,
			Reason:  fmt.Errorf("%w: role %q on %s -> %s", ErrForbidden, role, current, requested),
		}
	}

	// Copy so callers cannot mutate the shared table.
	effects := make([]Effect, len(rule.effects))
	copy(effects, rule.effects)

	return Decision{Allowed: true, Effects: effects}
}

// Targets returns the states reachable from s, in no particular order.
func Targets(s State) []State {
	var out []State
	for e := range edges {
		if e.From == s {
			out = append(out, e.To)
		}
	}
	return out
}
