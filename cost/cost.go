// Package cost implements the cost tracker of spec §4.8: run-scoped
// and daily rolling totals, a per-model pricing table with admission
// decisions and warnings, and (per SUPPLEMENTED FEATURES) a read-only
// Snapshot for introspection.
package cost

import (
	"sync"
	"time"

	"github.com/kadirpekel/agentrun/internal/metrics"
)

// Rate is the per-1K-token pricing for one model.
type Rate struct {
	PromptCostPer1K     float64
	CompletionCostPer1K float64
}

// PricingTable maps a model string to its Rate, with Default used for
// any model not otherwise listed. This is the authoritative cost-rate
// table for the whole runtime — see DESIGN.md for the Open Question
// resolution: the step loop's usage accounting always routes through
// this tracker rather than computing its own inline per-token cost.
type PricingTable struct {
	Rates   map[string]Rate
	Default Rate
}

// RateFor returns the Rate registered for model, or Default if none.
func (t PricingTable) RateFor(model string) Rate {
	if r, ok := t.Rates[model]; ok {
		return r
	}
	return t.Default
}

// Limits are the configurable admission thresholds (spec §6
// "max_cost_per_run" / "max_cost_per_day").
type Limits struct {
	MaxCostPerRun float64 // 0 means unlimited
	MaxCostPerDay float64 // 0 means unlimited
	// WarningFraction is the fraction of either limit at which
	// Decision.Warning is populated. Defaults to 0.8 when zero.
	WarningFraction float64
}

func (l Limits) warningFraction() float64 {
	if l.WarningFraction <= 0 {
		return 0.8
	}
	return l.WarningFraction
}

// HistoryEntry is one recorded usage event, kept for 24 hours for the
// rolling-history Snapshot.
type HistoryEntry struct {
	At         time.Time
	Model      string
	PromptTok  int
	CompletionTok int
	Cost       float64
}

// Snapshot is a read-only view of the tracker's current state.
type Snapshot struct {
	RunTotal    float64
	DayTotal    float64
	DayStart    time.Time
	History24h  []HistoryEntry
}

// Decision is the result of an admission check performed alongside a
// usage record.
type Decision struct {
	Allowed bool
	Reason  string
	Warning string
}

// Tracker accumulates cost for a single run plus a process-wide daily
// total, per spec §4.8. It is safe for concurrent use; by default one
// Tracker is created per run (spec §5 "per-run instances by default"),
// but the DayTotal/day-reset bookkeeping is meant to be shared across
// runs via a single long-lived Tracker when the caller wants daily
// budgets enforced process-wide.
type Tracker struct {
	mu sync.Mutex

	pricing PricingTable
	limits  Limits

	runTotal float64
	dayTotal float64
	dayStart time.Time // UTC midnight of the current accounting day

	history []HistoryEntry

	now func() time.Time

	metrics *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink; nil is accepted and
// disables metrics recording (the default).
func (t *Tracker) SetMetrics(m *metrics.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// New builds a Tracker with the given pricing table and limits.
func New(pricing PricingTable, limits Limits) *Tracker {
	return newWithClock(pricing, limits, time.Now)
}

func newWithClock(pricing PricingTable, limits Limits, now func() time.Time) *Tracker {
	n := now()
	return &Tracker{
		pricing:  pricing,
		limits:   limits,
		dayStart: utcMidnight(n),
		now:      now,
	}
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func (t *Tracker) rolloverIfNeeded(now time.Time) {
	today := utcMidnight(now)
	if today.After(t.dayStart) {
		t.dayStart = today
		t.dayTotal = 0
	}
}

// Record computes the cost of one usage event for model, adds it to
// the run and day totals (monotonically — invariant 3), appends it to
// the rolling history, and evaluates the admission decision against
// Limits.
func (t *Tracker) Record(model string, promptTokens, completionTokens int) (float64, Decision) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rolloverIfNeeded(now)

	rate := t.pricing.RateFor(model)
	costDelta := (float64(promptTokens)*rate.PromptCostPer1K + float64(completionTokens)*rate.CompletionCostPer1K) / 1000.0

	t.runTotal += costDelta
	t.dayTotal += costDelta

	t.history = append(t.history, HistoryEntry{
		At: now, Model: model, PromptTok: promptTokens, CompletionTok: completionTokens, Cost: costDelta,
	})
	t.pruneHistory(now)

	decision := t.evaluate()
	t.metrics.RecordCostDecision(decisionLabel(decision), t.runTotal, t.dayTotal)

	return costDelta, decision
}

func decisionLabel(d Decision) string {
	switch {
	case !d.Allowed:
		return "blocked"
	case d.Warning != "":
		return "warn"
	default:
		return "allowed"
	}
}

func (t *Tracker) pruneHistory(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(t.history) && t.history[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.history = append([]HistoryEntry(nil), t.history[i:]...)
	}
}

func (t *Tracker) evaluate() Decision {
	d := Decision{Allowed: true}

	if t.limits.MaxCostPerRun > 0 && t.runTotal > t.limits.MaxCostPerRun {
		return Decision{Allowed: false, Reason: "max_cost_per_run exceeded"}
	}
	if t.limits.MaxCostPerDay > 0 && t.dayTotal > t.limits.MaxCostPerDay {
		return Decision{Allowed: false, Reason: "max_cost_per_day exceeded"}
	}

	frac := t.limits.warningFraction()
	if t.limits.MaxCostPerRun > 0 && t.runTotal >= frac*t.limits.MaxCostPerRun {
		d.Warning = "approaching max_cost_per_run"
	} else if t.limits.MaxCostPerDay > 0 && t.dayTotal >= frac*t.limits.MaxCostPerDay {
		d.Warning = "approaching max_cost_per_day"
	}
	return d
}

// CheckAdmission re-evaluates the current totals against Limits
// without recording a new usage event; useful before starting an LLM
// call when the caller wants to fail fast.
func (t *Tracker) CheckAdmission() Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverIfNeeded(t.now())
	return t.evaluate()
}

// RunTotal returns the current run-scoped total cost in USD.
func (t *Tracker) RunTotal() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runTotal
}

// TakeSnapshot returns a read-only copy of the tracker's state.
func (t *Tracker) TakeSnapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverIfNeeded(t.now())
	return Snapshot{
		RunTotal:   t.runTotal,
		DayTotal:   t.dayTotal,
		DayStart:   t.dayStart,
		History24h: append([]HistoryEntry(nil), t.history...),
	}
}
