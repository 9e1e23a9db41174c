package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nugget/amicus/internal/opstate"
)

// ErrModelUnavailable is returned by [Identity.SetModel] for a model
// that is not on the allow-list.
var ErrModelUnavailable = errors.New("model not available")

const (
	identityNamespace = "identity"
	keyPersonality    = "personality"
	keyModel          = "model"

	// agentNamePlaceholder is replaced in the starter personality.
	agentNamePlaceholder = "{agent_name}"
)

// IdentityConfig seeds an [Identity] on boot.
type IdentityConfig struct {
	Name       string
	PlatformID string

	StarterPersonality string
	// UseStarter discards any persisted personality.
	UseStarter bool

	DefaultModel    string
	AvailableModels []string
}

// Identity is who the agent is: its name, its personality and the
// model it thinks with. Tools mutate it during a reasoning pass, so all
// access goes through the mutex, and changes are persisted so they
// survive a restart.
type Identity struct {
	mu          sync.Mutex
	name        string
	platformID  string
	personality string
	model       string
	available   []string
	state       *opstate.Store
}

// IdentitySnapshot is a consistent copy of the identity.
type IdentitySnapshot struct {
	Name            string   `json:"name"`
	PlatformID      string   `json:"platform_id"`
	Personality     string   `json:"personality"`
	Model           string   `json:"model"`
	AvailableModels []string `json:"available_models"`
}

// LoadIdentity builds the identity from cfg and any persisted state.
// state may be nil, in which case nothing is persisted.
func LoadIdentity(ctx context.Context, cfg IdentityConfig, state *opstate.Store) (*Identity, error) {
	id := &Identity{
		name:       cfg.Name,
		platformID: cfg.PlatformID,
		model:      cfg.DefaultModel,
		available:  slices.Clone(cfg.AvailableModels),
		state:      state,
	}
	starter := strings.ReplaceAll(cfg.StarterPersonality, agentNamePlaceholder, cfg.Name)

	if state == nil {
		id.personality = starter
		return id, nil
	}

	personality, ok, err := state.Get(ctx, identityNamespace, keyPersonality)
	if err != nil {
		return nil, fmt.Errorf("load personality: %w", err)
	}
	if cfg.UseStarter || !ok {
		personality = starter
		if err := state.Set(ctx, identityNamespace, keyPersonality, personality); err != nil {
			return nil, fmt.Errorf("save starter personality: %w", err)
		}
	}
	id.personality = personality

	model, ok, err := state.Get(ctx, identityNamespace, keyModel)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if ok && slices.Contains(id.available, model) {
		id.model = model
	}
	return id, nil
}

// Name is the agent's display name.
func (id *Identity) Name() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.name
}

// PlatformID is the agent's user id on the chat platform.
func (id *Identity) PlatformID() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.platformID
}

func (id *Identity) Personality() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.personality
}

// SetPersonality replaces the personality.
func (id *Identity) SetPersonality(ctx context.Context, personality string) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	if err := id.persist(ctx, keyPersonality, personality); err != nil {
		return err
	}
	id.personality = personality
	return nil
}

// AppendPersonality adds line to the end of the personality.
func (id *Identity) AppendPersonality(ctx context.Context, line string) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	next := id.personality + "\n" + line
	if err := id.persist(ctx, keyPersonality, next); err != nil {
		return err
	}
	id.personality = next
	return nil
}

func (id *Identity) Model() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.model
}

// SetModel switches the reasoning model. Only models on the
// allow-list are accepted.
func (id *Identity) SetModel(ctx context.Context, model string) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	if !slices.Contains(id.available, model) {
		return fmt.Errorf("%w: %q", ErrModelUnavailable, model)
	}
	if err := id.persist(ctx, keyModel, model); err != nil {
		return err
	}
	id.model = model
	return nil
}

// AvailableModels returns a copy of the allow-list.
func (id *Identity) AvailableModels() []string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return slices.Clone(id.available)
}

func (id *Identity) Snapshot() IdentitySnapshot {
	id.mu.Lock()
	defer id.mu.Unlock()
	return IdentitySnapshot{
		Name:            id.name,
		PlatformID:      id.platformID,
		Personality:     id.personality,
		Model:           id.model,
		AvailableModels: slices.Clone(id.available),
	}
}

// persist must be called with mu held.
func (id *Identity) persist(ctx context.Context, key, value string) error {
	if id.state == nil {
		return nil
	}
	if err := id.state.Set(ctx, identityNamespace, key, value); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}
