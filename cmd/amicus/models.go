package main

import (
	"context"
	"log/slog"
	"slices"
)

// modelServer is the part of the Ollama client the startup check uses.
type modelServer interface {
	ListModels(ctx context.Context) ([]string, error)
	ContextLength(ctx context.Context, model string) (int, error)
}

// checkModels compares the configured models with what the server has
// installed and returns the ones that are missing. The agent still
// starts; change_model to a missing model will fail at generation.
func checkModels(ctx context.Context, srv modelServer, want []string, embedModel string, logger *slog.Logger) []string {
	installed, err := srv.ListModels(ctx)
	if err != nil {
		logger.Warn("could not list installed models", "error", err)
		return nil
	}

	var missing []string
	for _, m := range append(slices.Clone(want), embedModel) {
		if !hasModel(installed, m) {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		logger.Warn("configured models are not installed", "missing", missing, "hint", "ollama pull <model>")
	}

	for _, m := range want {
		if hasModel(missing, m) {
			continue
		}
		n, err := srv.ContextLength(ctx, m)
		if err != nil {
			logger.Debug("context length unavailable", "model", m, "error", err)
			continue
		}
		logger.Info("model available", "model", m, "context_length", n)
	}
	return missing
}

// hasModel matches names the way Ollama does: a bare name means
// ":latest".
func hasModel(list []string, name string) bool {
	return slices.Contains(list, name) || slices.Contains(list, name+":latest")
}
