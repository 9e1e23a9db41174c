package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/amicus/internal/llm"
)

// Specialist answers news questions for the agent. It gathers
// candidate articles and, when a model is available, asks it to pick
// the single most relevant one.
type Specialist struct {
	mgr        *Manager
	client     llm.Client // nil: return the formatted list instead
	model      string
	language   string
	articles   int
	candidates int
	logger     *slog.Logger
}

// SpecialistConfig configures a Specialist.
type SpecialistConfig struct {
	Client   llm.Client
	Model    string
	Language string // natural language name, e.g. "english"
	// Articles is how many articles the unassisted answer lists.
	Articles int
	// Candidates is how many articles the model chooses among.
	Candidates int
}

// NewSpecialist creates a news specialist over mgr.
func NewSpecialist(mgr *Manager, cfg SpecialistConfig, logger *slog.Logger) *Specialist {
	if cfg.Articles <= 0 {
		cfg.Articles = 3
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = 10
	}
	if cfg.Language == "" {
		cfg.Language = "english"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Specialist{
		mgr:        mgr,
		client:     cfg.Client,
		model:      cfg.Model,
		language:   cfg.Language,
		articles:   cfg.Articles,
		candidates: cfg.Candidates,
		logger:     logger.With("component", "news"),
	}
}

// Brief returns tool output describing news about topic. Errors from
// the news backends are returned so the caller can tell the model the
// lookup failed.
func (s *Specialist) Brief(ctx context.Context, topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", fmt.Errorf("a news topic is required")
	}

	want := s.articles
	if s.client != nil {
		want = s.candidates
	}
	articles, err := s.mgr.News(ctx, topic, Options{Count: want, Language: languageCode(s.language)})
	if err != nil {
		return "", err
	}
	if len(articles) == 0 {
		return fmt.Sprintf("No articles were found for the topic %s.", topic), nil
	}

	if s.client != nil {
		pick, err := s.pick(ctx, topic, articles)
		if err == nil {
			return pick, nil
		}
		s.logger.Warn("news model unavailable, returning article list", "error", err)
		if len(articles) > s.articles {
			articles = articles[:s.articles]
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Success! Retrieved %d articles on %q.\n", len(articles), topic)
	b.WriteString(FormatArticles(articles))
	fmt.Fprintf(&b, "\nNow, summarize these articles and provide a hyperlink to the best one in %s.", s.language)
	return b.String(), nil
}

func (s *Specialist) pick(ctx context.Context, topic string, articles []Article) (string, error) {
	prompt := fmt.Sprintf(`You are a news specialist. You have been asked to select one article from this list that is most relevant to
the user's query: %s. Only consider articles in %s.

Articles:
%s
Reply with a one sentence summary of the article you have selected followed by the url on the next line.
`, topic, s.language, FormatArticles(articles))

	s.logger.Log(ctx, llm.LevelTrace, "news prompt", "model", s.model, "prompt", prompt)
	c, err := s.client.Generate(ctx, s.model, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(c.Text), nil
}

// FormatArticles renders articles for a prompt:
//
//	Article 1: Title (2024-05-01 12:00 UTC)
//	https://example.com/story
//	Summary: ...
func FormatArticles(articles []Article) string {
	var b strings.Builder
	for i, a := range articles {
		fmt.Fprintf(&b, "Article %d: %s", i+1, a.Title)
		if !a.PublishedAt.IsZero() {
			fmt.Fprintf(&b, " (%s UTC)", a.PublishedAt.UTC().Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(&b, "\n%s\n", a.URL)
		if a.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n", a.Summary)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// languageCode maps a language name to its ISO 639-1 code, passing
// through anything it does not recognise.
func languageCode(name string) string {
	switch strings.ToLower(name) {
	case "english":
		return "en"
	case "german", "deutsch":
		return "de"
	case "french", "français":
		return "fr"
	case "spanish", "español":
		return "es"
	case "italian":
		return "it"
	case "portuguese":
		return "pt"
	case "dutch":
		return "nl"
	default:
		return name
	}
}
