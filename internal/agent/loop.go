// Package agent implements the conversational agent: its identity, the
// bounded reasoning loop that decides between using a tool and
// responding, and the runtime that connects incoming messages to the
// background worker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/amicus/internal/events"
	"github.com/nugget/amicus/internal/llm"
	"github.com/nugget/amicus/internal/metrics"
	"github.com/nugget/amicus/internal/tools"
)

// DefaultMaxSteps caps the THINKING steps of one pass.
const DefaultMaxSteps = 8

// ErrStepsExhausted is returned when a pass reaches its step cap
// without the model choosing to respond.
var ErrStepsExhausted = errors.New("reasoning steps exhausted")

const (
	firstThought   = "Is a tool necessary to respond to the user or not?"
	defaultThought = "I am thinking about what to do next..."
	apology        = "Apologies, I am not sure how to respond to that."
)

// Outcome is how a reasoning pass ended.
type Outcome string

const (
	OutcomeRespond   Outcome = "respond"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeError     Outcome = "error"
)

// Input is everything a pass needs to know about the conversation.
type Input struct {
	PassID    string
	ChannelID string
	// ShortHistory is what the agent is answering; LongHistory is the
	// surrounding context.
	ShortHistory string
	LongHistory  string
	Memory       string
}

// Interaction is one model call kept for diagnostic replay.
type Interaction struct {
	Step       int     `json:"step"`
	Prompt     string  `json:"prompt"`
	Completion string  `json:"completion"`
	Action     *Action `json:"action,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Result describes a finished pass.
type Result struct {
	PassID        string        `json:"pass_id"`
	Outcome       Outcome       `json:"outcome"`
	Response      string        `json:"response,omitempty"`
	Steps         int           `json:"steps"`
	ToolCalls     int           `json:"tool_calls"`
	ParseFailures int           `json:"parse_failures"`
	UnknownTools  int           `json:"unknown_tools"`
	Scratchpad    []string      `json:"scratchpad"`
	Interactions  []Interaction `json:"interactions"`
	Elapsed       time.Duration `json:"elapsed"`
}

// LoopConfig tunes a [Loop].
type LoopConfig struct {
	MaxSteps int
	Events   *events.Bus
	Metrics  *metrics.Metrics
}

// Loop runs reasoning passes. It holds no per-pass state and may be
// reused, though the runtime only ever runs one pass at a time.
type Loop struct {
	llm      llm.Client
	tools    *tools.Registry
	identity *Identity
	maxSteps int
	events   *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewLoop creates a reasoning loop.
func NewLoop(client llm.Client, registry *tools.Registry, identity *Identity, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	return &Loop{
		llm:      client,
		tools:    registry,
		identity: identity,
		maxSteps: cfg.MaxSteps,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "agent"),
	}
}

// pass is the mutable state of one Run.
type pass struct {
	in          Input
	res         *Result
	scratchpad  []string
	lastThought string
	log         *slog.Logger
}

// note appends a numbered scratchpad line.
func (p *pass) note(label, text string) {
	line := fmt.Sprintf("%d. %s: %s", len(p.scratchpad), label, text)
	p.scratchpad = append(p.scratchpad, line)
	p.lastThought = line
}

// Run drives one pass through THINKING, zero or more USE_TOOL steps,
// and RESPOND. Each THINKING step costs one unit of the step budget,
// including those whose completion could not be parsed or named an
// unknown tool. A model transport error aborts the pass. The returned
// Result is non-nil even on error so callers can replay what happened.
func (l *Loop) Run(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	p := &pass{
		in:  in,
		res: &Result{PassID: in.PassID},
		log: l.logger.With("pass", in.PassID, "channel", in.ChannelID),
	}
	p.note("Agent First Thought", firstThought)

	ctx = tools.WithPassID(tools.WithChannelID(ctx, in.ChannelID), in.PassID)
	l.events.Emit(events.SourceAgent, events.KindPassStart, map[string]any{
		"pass_id":    in.PassID,
		"channel_id": in.ChannelID,
		"model":      l.identity.Model(),
	})

	for step := 1; step <= l.maxSteps; step++ {
		p.res.Steps = step
		done, err := l.step(ctx, p, step)
		if err != nil {
			l.finish(p, OutcomeError, start)
			return p.res, err
		}
		if done {
			l.finish(p, OutcomeRespond, start)
			return p.res, nil
		}
	}

	l.finish(p, OutcomeExhausted, start)
	p.log.Warn("reasoning pass exhausted its steps",
		"steps", l.maxSteps,
		"parse_failures", p.res.ParseFailures,
		"unknown_tools", p.res.UnknownTools,
	)
	return p.res, fmt.Errorf("%w after %d steps", ErrStepsExhausted, l.maxSteps)
}

// step runs one THINKING step and reports whether the pass responded.
func (l *Loop) step(ctx context.Context, p *pass, step int) (bool, error) {
	snap := l.identity.Snapshot()
	prompt, err := renderPrompt(promptData{
		ChatHistory:     p.in.LongHistory,
		Personality:     snap.Personality,
		CurrentModel:    snap.Model,
		AvailableModels: strings.Join(snap.AvailableModels, ", "),
		Memory:          p.in.Memory,
		Tools:           l.tools.Catalog(),
		ToolNames:       strings.Join(l.tools.Names(), ", "),
		Scratchpad:      strings.Join(p.scratchpad, "\n"),
		LastThought:     p.lastThought,
		Input:           p.in.ShortHistory,
	})
	if err != nil {
		return false, err
	}
	p.log.Log(ctx, llm.LevelTrace, "prompt", "step", step, "text", prompt)

	callStart := time.Now()
	completion, err := l.llm.Generate(ctx, snap.Model, prompt)
	elapsed := time.Since(callStart)
	if err != nil {
		l.metrics.RecordLLM(snap.Model, elapsed.Seconds(), 0, 0, err)
		return false, fmt.Errorf("step %d: generate with %s: %w", step, snap.Model, err)
	}
	l.metrics.RecordLLM(snap.Model, elapsed.Seconds(), completion.PromptTokens, completion.CompletionTokens, nil)
	p.log.Log(ctx, llm.LevelTrace, "completion", "step", step, "text", completion.Text)

	inter := Interaction{Step: step, Prompt: prompt, Completion: completion.Text}
	action, err := ParseAction(completion.Text)
	if err != nil {
		inter.Error = err.Error()
		p.res.Interactions = append(p.res.Interactions, inter)
		p.res.ParseFailures++
		p.log.Warn("could not parse model output", "step", step, "error", err)
		l.emitStep(p, step, "parse_failure", completion)
		return false, nil
	}
	inter.Action = action
	p.res.Interactions = append(p.res.Interactions, inter)
	l.emitStep(p, step, action.Action, completion)

	thought := action.Thought
	if thought == "" {
		thought = defaultThought
	}

	switch action.Action {
	case ActionUseTool:
		toolStart := time.Now()
		out, err := l.tools.Execute(ctx, action.ToolName, action.ToolInput)
		if errors.Is(err, tools.ErrUnknownTool) {
			p.res.UnknownTools++
			p.log.Warn("model asked for an unknown tool", "step", step, "tool", action.ToolName)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("step %d: %w", step, err)
		}
		p.res.ToolCalls++
		p.note("Agent Thought", thought)
		p.note("Tool Used", action.ToolName)
		p.note("Tool Input", action.ToolInput)
		p.note("Tool Output", out)
		p.log.Debug("tool used", "step", step, "tool", action.ToolName, "output_len", len(out))
		l.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"pass_id":     p.in.PassID,
			"tool":        action.ToolName,
			"duration_ms": time.Since(toolStart).Milliseconds(),
		})
		return false, nil

	default: // ActionRespond
		response := strings.TrimSpace(action.Response)
		if response == "" {
			p.log.Debug("respond action without text, apologizing",
				"step", step, "missing_key", !action.HasResponse)
			response = apology
		}
		p.note("Agent Final Thought", thought)
		p.note("Agent Response", response)
		p.res.Response = response
		return true, nil
	}
}

func (l *Loop) emitStep(p *pass, step int, action string, c *llm.Completion) {
	l.events.Emit(events.SourceAgent, events.KindStep, map[string]any{
		"pass_id":           p.in.PassID,
		"step":              step,
		"action":            action,
		"model":             c.Model,
		"prompt_tokens":     c.PromptTokens,
		"completion_tokens": c.CompletionTokens,
	})
}

func (l *Loop) finish(p *pass, outcome Outcome, start time.Time) {
	p.res.Outcome = outcome
	p.res.Scratchpad = p.scratchpad
	p.res.Elapsed = time.Since(start)
	l.metrics.RecordPass(string(outcome), p.res.Steps)
	l.events.Emit(events.SourceAgent, events.KindPassComplete, map[string]any{
		"pass_id":    p.in.PassID,
		"outcome":    string(outcome),
		"steps":      p.res.Steps,
		"elapsed_ms": p.res.Elapsed.Milliseconds(),
	})
	p.log.Info("reasoning pass finished",
		"outcome", outcome,
		"steps", p.res.Steps,
		"tool_calls", p.res.ToolCalls,
		"elapsed", p.res.Elapsed.Round(time.Millisecond),
	)
}
