package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/amicus/internal/events"
)

func stepEvent(prompt, completion int) events.Event {
	return events.Event{Kind: events.KindStep, Data: map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
	}}
}

func TestDailyUsage_Observe(t *testing.T) {
	u := NewDailyUsage(time.UTC)
	u.Observe(stepEvent(100, 20))
	u.Observe(stepEvent(50, 5))
	u.Observe(events.Event{Kind: events.KindMessageReceived})
	u.Observe(events.Event{Kind: events.KindMessageSent})
	u.Observe(events.Event{Kind: events.KindPassComplete})
	u.Observe(events.Event{Kind: events.KindTaskDone})

	want := UsageSnapshot{
		PromptTokens:     150,
		CompletionTokens: 25,
		ModelCalls:       2,
		MessagesIn:       1,
		MessagesOut:      1,
		Passes:           1,
	}
	if got := u.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestDailyUsage_ResetsAtMidnight(t *testing.T) {
	now := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	u := NewDailyUsage(time.UTC)
	u.now = func() time.Time { return now }
	u.day = now.YearDay()

	u.Observe(stepEvent(10, 10))
	now = now.Add(2 * time.Minute)

	if got := u.Snapshot(); got != (UsageSnapshot{}) {
		t.Errorf("after midnight Snapshot() = %+v, want zero", got)
	}
}

func TestDailyUsage_Concurrent(t *testing.T) {
	u := NewDailyUsage(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.Observe(stepEvent(1, 2))
		}()
	}
	wg.Wait()

	got := u.Snapshot()
	if got.PromptTokens != 100 || got.CompletionTokens != 200 || got.ModelCalls != 100 {
		t.Errorf("Snapshot() = %+v", got)
	}
}
