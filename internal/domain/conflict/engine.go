package conflict

import (
	"encoding/json"
	"time"
)

// Source tags where a value came from.
type Source string

const (
	SourceBulkExport  Source = "bulk-export"
	SourceIncremental Source = "incremental"
	SourceWebhook     Source = "webhook"
)

// rank orders sources for tie-breaks. Edit-driven updates outrank bulk exports.
func (s Source) rank() int {
	switch s {
	case SourceWebhook, SourceIncremental:
		return 1
	default:
		return 0
	}
}

// Strategy names how a conflict was settled.
type Strategy string

const (
	StrategyLastWriterWins Strategy = "last-writer-wins"
	StrategySourcePriority Strategy = "source-priority"
	StrategyManualReview   Strategy = "manual-review"
)

// Candidate is one sourced value for a field.
type Candidate struct {
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	Source    Source          `json:"source"`
}

// Side identifies which candidate survived.
type Side string

const (
	SideExisting Side = "existing"
	SideIncoming Side = "incoming"
)

// Outcome is the engine's decision for one field.
type Outcome struct {
	Winner      Side
	Value       json.RawMessage
	Strategy    Strategy
	NeedsReview bool
}

// Engine resolves field conflicts with last-writer-wins and a source-priority
// tie-break. It is pure: the same inputs always give the same outcome.
type Engine struct {
	tieTolerance time.Duration
	window       time.Duration
}

// DefaultWindow is the reconciliation window used when none is configured.
const DefaultWindow = 24 * time.Hour

// NewEngine builds an engine. Timestamps at most tieTolerance apart count as
// equal; zero means exact equality at millisecond precision. Disagreements
// further apart than window are settled without producing a conflict record.
func NewEngine(tieTolerance, window time.Duration) *Engine {
	if tieTolerance < 0 {
		tieTolerance = 0
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{tieTolerance: tieTolerance, window: window}
}

// Resolve decides which candidate survives.
func (e *Engine) Resolve(existing, incoming Candidate) Outcome {
	diff := incoming.Timestamp.Truncate(time.Millisecond).Sub(existing.Timestamp.Truncate(time.Millisecond))
	if abs(diff) <= e.tieTolerance {
		switch {
		case incoming.Source.rank() > existing.Source.rank():
			return Outcome{Winner: SideIncoming, Value: incoming.Value, Strategy: StrategySourcePriority}
		case incoming.Source.rank() < existing.Source.rank():
			return Outcome{Winner: SideExisting, Value: existing.Value, Strategy: StrategySourcePriority}
		default:
			return Outcome{Winner: SideExisting, Value: existing.Value, Strategy: StrategyManualReview, NeedsReview: true}
		}
	}
	if diff > 0 {
		return Outcome{Winner: SideIncoming, Value: incoming.Value, Strategy: StrategyLastWriterWins}
	}
	return Outcome{Winner: SideExisting, Value: existing.Value, Strategy: StrategyLastWriterWins}
}

// InWindow reports whether two updates are close enough in time to count as
// competing and be recorded.
func (e *Engine) InWindow(existing, incoming Candidate) bool {
	return abs(incoming.Timestamp.Sub(existing.Timestamp)) <= e.window
}

// Window returns the reconciliation window.
func (e *Engine) Window() time.Duration { return e.window }

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
