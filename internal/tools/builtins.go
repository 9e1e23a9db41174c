package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Persona is the mutable identity the personality and model tools act
// on.
type Persona interface {
	Name() string
	Personality() string
	SetPersonality(ctx context.Context, personality string) error
	AppendPersonality(ctx context.Context, line string) error
	SetModel(ctx context.Context, model string) error
	AvailableModels() []string
}

// NewsBriefer turns a topic into a short list of articles for the
// model to summarize.
type NewsBriefer interface {
	Brief(ctx context.Context, topic string) (string, error)
}

// ArticleReader fetches a page and returns its readable text.
type ArticleReader interface {
	Read(ctx context.Context, url string) (string, error)
}

// MemorySearcher returns transcript excerpts nearest to a query.
type MemorySearcher interface {
	Search(ctx context.Context, query string, k int) ([]string, error)
}

var errEmptyInput = errors.New("tool_input is empty")

// RegisterPersona adds change_personality, embellish_personality and
// change_model.
func (r *Registry) RegisterPersona(p Persona) {
	r.Register(&Tool{
		Name: "change_personality",
		Description: "Use this tool to completely change the personality of the agent when requested. " +
			"The tool_input must always be self-contained and not rely on any external information.",
		Input: "the complete new personality",
		Handler: func(ctx context.Context, input string) (string, error) {
			if input == "" {
				return "", withOutcome(errEmptyInput, "Error changing the personality: %v", errEmptyInput)
			}
			if err := p.SetPersonality(ctx, input); err != nil {
				return "", withOutcome(err, "Error changing the personality: %v", err)
			}
			return fmt.Sprintf("Success! The tool has successfully changed the %s's personality to %s.",
				p.Name(), p.Personality()), nil
		},
	})

	r.Register(&Tool{
		Name: "embellish_personality",
		Description: "Use this tool to add another line of detail to your personality. You can do this to " +
			"incorporate new information about yourself that you have learned from your thoughts or conversations.",
		Input: "one line to add to the personality",
		Handler: func(ctx context.Context, input string) (string, error) {
			if input == "" {
				return "", withOutcome(errEmptyInput, "Error changing the personality: %v", errEmptyInput)
			}
			if err := p.AppendPersonality(ctx, input); err != nil {
				return "", withOutcome(err, "Error changing the personality: %v", err)
			}
			return fmt.Sprintf("Success! The tool has successfully added %s to %s's personality.",
				input, p.Name()), nil
		},
	})

	r.Register(&Tool{
		Name:        "change_model",
		Description: "Use this tool to change the model to one of the available models.",
		Input:       "the exact name of an available model",
		Handler: func(ctx context.Context, input string) (string, error) {
			available := p.AvailableModels()
			if !contains(available, input) {
				return fmt.Sprintf("The model %s is not available. The available models are %s.",
					input, formatList(available)), nil
			}
			if err := p.SetModel(ctx, input); err != nil {
				return "", err
			}
			return fmt.Sprintf("Success! The tool has successfully changed the model to %s.", input), nil
		},
	})
}

// RegisterNews adds search_news.
func (r *Registry) RegisterNews(n NewsBriefer) {
	r.Register(&Tool{
		Name:        "search_news",
		Description: "Use this tool to search for news articles on a given topic and provide a summary and hyperlink.",
		Input:       "the news topic to search for",
		Handler: func(ctx context.Context, input string) (string, error) {
			if input == "" {
				return "", errEmptyInput
			}
			out, err := n.Brief(ctx, input)
			if err != nil {
				return "", withOutcome(err,
					"There was an error with this API call: %v. The tool did not work and I should tell the user.", err)
			}
			return out, nil
		},
	})
}

// RegisterArticleReader adds read_article.
func (r *Registry) RegisterArticleReader(a ArticleReader) {
	r.Register(&Tool{
		Name: "read_article",
		Description: "Use this tool to read the text of a web page or news article when you need more " +
			"detail than a search summary gives.",
		Input: "the full URL of the article",
		Handler: func(ctx context.Context, input string) (string, error) {
			if input == "" {
				return "", errEmptyInput
			}
			return a.Read(ctx, input)
		},
	})
}

// RegisterMemory adds recall_memory, which returns up to k excerpts.
func (r *Registry) RegisterMemory(m MemorySearcher, k int) {
	r.Register(&Tool{
		Name: "recall_memory",
		Description: "Use this tool to remember older conversations about a subject that are no longer " +
			"in the chat history.",
		Input: "what you are trying to remember",
		Handler: func(ctx context.Context, input string) (string, error) {
			if input == "" {
				return "", errEmptyInput
			}
			texts, err := m.Search(ctx, input, k)
			if err != nil {
				return "", err
			}
			if len(texts) == 0 {
				return fmt.Sprintf("No memories were found about %q.", input), nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Found %d memories about %q.\n", len(texts), input)
			for i, t := range texts {
				fmt.Fprintf(&b, "\nMemory %d:\n%s\n", i+1, t)
			}
			return b.String(), nil
		},
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// formatList renders ["a", "b"] the way the model has seen lists in
// its training data.
func formatList(list []string) string {
	quoted := make([]string, len(list))
	for i, s := range list {
		quoted[i] = "'" + s + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
