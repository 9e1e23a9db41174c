package agent

import (
	"fmt"
	"strings"
	"text/template"
)

// promptTemplate is rendered once per THINKING step.
var promptTemplate = template.Must(template.New("prompt").Parse(`You are an agent chatting with friend(s) with this recent chat history:
{{.ChatHistory}}

Your personality is:
{{.Personality}}

Your current LLM model is:
{{.CurrentModel}}

The LLM models available to you are:
{{.AvailableModels}}

Your long-term memory recalls these older conversations:
{{if .Memory}}{{.Memory}}{{else}}Nothing comes to mind.
{{end}}
You have the following tools available to you to help you respond to only the most recent user message:
{{.Tools}}
To decide whether to use a tool or simply respond to the user, consider your thought history:
{{.Scratchpad}}

Reply in the following properly formatted JSON format where all keys and values are strings. Do not include comments:
{
    "thought": "In this space, think carefully and write what they are asking for and whether a tool is needed or not. Has a tool already been used successfully?",
    "action": one of "respond, use_tool", # consider your thought '{{.LastThought}}' to decide which action to take
    "tool_name": one of {{.ToolNames}},
    "tool_input": "tool input argument matching the tool's description",
    "response": "string response to the user"
}

Most Recent User Input:
{{.Input}}

Begin!
`))

type promptData struct {
	ChatHistory     string
	Personality     string
	CurrentModel    string
	AvailableModels string
	Memory          string
	Tools           string
	ToolNames       string
	Scratchpad      string
	LastThought     string
	Input           string
}

func renderPrompt(d promptData) (string, error) {
	var b strings.Builder
	if err := promptTemplate.Execute(&b, d); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}
