package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned by [Registry.Execute] when the model asks
// for a tool that was never registered. The reasoning loop counts it
// and retries instead of aborting the pass.
var ErrUnknownTool = errors.New("unknown tool")

// unknownToolError names the missing tool and matches [ErrUnknownTool].
type unknownToolError struct {
	name string
}

func (e *unknownToolError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownTool, e.name)
}

func (e *unknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}
