package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const rule = "--------------------------------------------------"

// WriteInteractions renders every model call of the pass for offline
// inspection:
//
//	----- LLM call 1 -----
//	*** Prompt to LLM ***
//	*** Agent Response ***
//	*** Intermediate Steps ***
func (r *Result) WriteInteractions(w io.Writer) error {
	steps := strings.Join(r.Scratchpad, "\n")
	for i, it := range r.Interactions {
		response := it.Completion
		if it.Action != nil {
			pretty, err := json.MarshalIndent(it.Action, "", "    ")
			if err != nil {
				return fmt.Errorf("render action %d: %w", i+1, err)
			}
			response = string(pretty)
		} else if it.Error != "" {
			response = fmt.Sprintf("(unparsed: %s)\n%s", it.Error, it.Completion)
		}

		if _, err := fmt.Fprintf(w, "%s LLM call %d %s\n\n*** Prompt to LLM ***\n%s\n*** Agent Response ***\n\n%s\n\n*** Intermediate Steps ***\n\n%s\n\n",
			rule, i+1, rule, it.Prompt, response, steps); err != nil {
			return err
		}
	}
	return nil
}
