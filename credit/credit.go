// Package credit implements the marketplace credit ledger: quoting job
// cost from category and priority, sufficiency checks, and debit
// planning with rollover-first consumption.
//
// The planning functions are pure. Atomicity of the debit itself —
// re-checking the balance, applying both decrements, and creating the
// job as one update — belongs to the store implementations, so a
// concurrent creation can never pass a check against a stale balance.
package credit

import (
	"fmt"
	"math"
)

// Category is the enumerated work type of a job. It determines the
// base cost in credits.
type Category string

const (
	CategoryVideo   Category = "video"
	CategoryDesign  Category = "design"
	CategoryWriting Category = "writing"
	CategorySocial  Category = "social"
	CategoryAudio   Category = "audio"
)

// Priority is the client-selected urgency. It multiplies the base cost
// and raises the task queue priority hint.
type Priority string

const (
	PriorityStandard Priority = "standard"
	PriorityPriority Priority = "priority"
	PriorityRush     Priority = "rush"
)

// baseCosts maps category to base cost in credits.
var baseCosts = map[Category]int{
	CategoryVideo:   3,
	CategoryDesign:  2,
	CategoryWriting: 2,
	CategorySocial:  1,
	CategoryAudio:   2,
}

// defaultBaseCost is used for categories not in the table. Unknown
// categories are deliberately not an error so that new categories can
// ship ahead of a ledger update.
const defaultBaseCost = 2

// multipliers maps priority to cost multiplier. Unknown priorities
// fall back to standard.
var multipliers = map[Priority]float64{
	PriorityStandard: 1.0,
	PriorityPriority: 1.5,
	PriorityRush:     2.0,
}

// earningsShare is the fraction of creditsCharged paid out to the
// worker on completion, floored to whole credits.
const earningsShare = 0.7

// Quote is the cost breakdown for creating a job.
type Quote struct {
	Base       int     `json:"base"`
	Multiplier float64 `json:"multiplier"`
	Total      int     `json:"total"`
}

// QuoteFor computes the credit cost of a job:
// total = ceil(base(category) * multiplier(priority)).
func QuoteFor(category Category, priority Priority) Quote {
	base, ok := baseCosts[category]
	if !ok {
		base = defaultBaseCost
	}
	mult, ok := multipliers[priority]
	if !ok {
		mult = multipliers[PriorityStandard]
	}
	return Quote{
		Base:       base,
		Multiplier: mult,
		Total:      int(math.Ceil(float64(base) * mult)),
	}
}

// QueuePriority maps a job priority to the numeric queue priority hint
// used when enqueuing its pipeline tasks. Higher dequeues first.
func QueuePriority(p Priority) int {
	switch p {
	case PriorityRush:
		return 2
	case PriorityPriority:
		return 1
	default:
		return 0
	}
}

// EarningsFor returns the worker payout for a completed job.
func EarningsFor(creditsCharged int) int {
	return int(math.Floor(float64(creditsCharged) * earningsShare))
}

// CheckResult reports whether an available balance covers a required
// amount.
type CheckResult struct {
	HasEnough bool `json:"has_enough"`
	Shortfall int  `json:"shortfall"`
}

// Check compares available credits against the required total.
func Check(available, required int) CheckResult {
	if available >= required {
		return CheckResult{HasEnough: true}
	}
	return CheckResult{HasEnough: false, Shortfall: required - available}
}

// DebitPlan is the split of a debit across the two balances.
type DebitPlan struct {
	RolloverDebit int `json:"rollover_debit"`
	StandardDebit int `json:"standard_debit"`
}

// PlanDebit consumes rollover credits first, then standard credits for
// the remainder. The caller must apply both decrements (plus any usage
// counters) as one atomic update; partial application is a correctness
// bug, not an acceptable failure mode.
func PlanDebit(rollover, standard, total int) DebitPlan {
	fromRollover := min(rollover, total)
	return DebitPlan{
		RolloverDebit: fromRollover,
		StandardDebit: total - fromRollover,
	}
}

// InsufficientCreditsError aborts job creation before any document or
// task exists. It carries the numbers a client-facing surface needs.
type InsufficientCreditsError struct {
	Required  int
	Available int
	Shortfall int
}

// NewInsufficientCredits builds the error from required and available.
func NewInsufficientCredits(required, available int) *InsufficientCreditsError {
	return &InsufficientCreditsError{
		Required:  required,
		Available: available,
		Shortfall: required - available,
	}
}

// Error implements the error interface.
func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("credit: insufficient credits: required %d, available %d (short %d)",
		e.Required, e.Available, e.Shortfall)
}
