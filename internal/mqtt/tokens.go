package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/amicus/internal/events"
)

// DailyUsage counts the agent's activity since local midnight. It is
// fed from the event bus and safe for concurrent use.
type DailyUsage struct {
	mu               sync.Mutex
	promptTokens     int64
	completionTokens int64
	modelCalls       int64
	messagesIn       int64
	messagesOut      int64
	passes           int64
	day              int // day-of-year of the last reset
	loc              *time.Location
	now              func() time.Time
}

// UsageSnapshot is the JSON form of [DailyUsage].
type UsageSnapshot struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ModelCalls       int64 `json:"model_calls"`
	MessagesIn       int64 `json:"messages_in"`
	MessagesOut      int64 `json:"messages_out"`
	Passes           int64 `json:"passes"`
}

// NewDailyUsage creates a counter that resets at midnight in loc
// (time.Local when nil).
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, now: time.Now}
	d.day = d.now().In(loc).YearDay()
	return d
}

// Observe folds one event into the counters.
func (d *DailyUsage) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	switch e.Kind {
	case events.KindStep:
		d.modelCalls++
		d.promptTokens += intField(e.Data, "prompt_tokens")
		d.completionTokens += intField(e.Data, "completion_tokens")
	case events.KindMessageReceived:
		d.messagesIn++
	case events.KindMessageSent:
		d.messagesOut++
	case events.KindPassComplete:
		d.passes++
	}
}

// Snapshot returns today's totals.
func (d *DailyUsage) Snapshot() UsageSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return UsageSnapshot{
		PromptTokens:     d.promptTokens,
		CompletionTokens: d.completionTokens,
		ModelCalls:       d.modelCalls,
		MessagesIn:       d.messagesIn,
		MessagesOut:      d.messagesOut,
		Passes:           d.passes,
	}
}

// maybeReset must be called with mu held.
func (d *DailyUsage) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today == d.day {
		return
	}
	d.promptTokens, d.completionTokens, d.modelCalls = 0, 0, 0
	d.messagesIn, d.messagesOut, d.passes = 0, 0, 0
	d.day = today
}

func intField(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
