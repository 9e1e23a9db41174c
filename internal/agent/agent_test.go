package agent

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/amicus/internal/llm"
	"github.com/nugget/amicus/internal/opstate"
	"github.com/nugget/amicus/internal/tools"
	"github.com/nugget/amicus/internal/transcript"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedLLM replays canned completions; the last one repeats.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
	models  []string
}

func (s *scriptedLLM) Generate(_ context.Context, model, prompt string) (*llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	s.models = append(s.models, model)
	if s.err != nil {
		return nil, s.err
	}
	i := len(s.prompts) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return &llm.Completion{Model: model, Text: s.replies[i], PromptTokens: 100, CompletionTokens: 20}, nil
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "amicus.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testIdentity(t *testing.T, state *opstate.Store) *Identity {
	t.Helper()
	id, err := LoadIdentity(context.Background(), IdentityConfig{
		Name:               "amicus",
		PlatformID:         "agent-1",
		StarterPersonality: "You are {agent_name}, a friendly bot.",
		DefaultModel:       "phi3:latest",
		AvailableModels:    []string{"phi3:latest", "gemma2:9b"},
	}, state)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	return id
}

func testRegistry(id *Identity) *tools.Registry {
	r := tools.NewRegistry(quietLogger())
	r.RegisterPersona(id)
	r.Register(&tools.Tool{
		Name:        "add",
		Description: "Adds two numbers.",
		Handler: func(_ context.Context, input string) (string, error) {
			if input != "2+2" {
				return "", errors.New("only knows 2+2")
			}
			return "4", nil
		},
	})
	return r
}

var (
	alice = transcript.Party{ID: "u-alice", DisplayName: "Alice", Handle: "alice"}
	agent = transcript.Party{ID: "agent-1", DisplayName: "amicus", Handle: "amicus"}
	epoch = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
)

func appendMessage(t *testing.T, s *transcript.Store, channel string, from, to transcript.Party, body string, at int) *transcript.Message {
	t.Helper()
	m := &transcript.Message{
		Sender:    from,
		Recipient: to,
		Timestamp: epoch.Add(time.Duration(at) * time.Second),
		ChannelID: channel,
		IsDM:      true,
		Body:      body,
	}
	if err := s.Append(context.Background(), m); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return m
}
