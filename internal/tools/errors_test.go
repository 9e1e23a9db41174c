package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestUnknownToolError(t *testing.T) {
	err := fmt.Errorf("step 2: %w", &unknownToolError{name: "teleport"})

	if !errors.Is(err, ErrUnknownTool) {
		t.Fatal("errors.Is(err, ErrUnknownTool) = false")
	}
	if want := `step 2: unknown tool: "teleport"`; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
