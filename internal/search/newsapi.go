package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/amicus/internal/httpkit"
)

// DefaultNewsAPIURL is the public NewsAPI endpoint.
const DefaultNewsAPIURL = "https://newsapi.org"

// NewsAPI queries the NewsAPI /v2/everything endpoint, sorted by
// relevancy over the last week.
type NewsAPI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewNewsAPI creates a NewsAPI provider. An empty baseURL uses
// [DefaultNewsAPIURL].
func NewNewsAPI(apiKey, baseURL string) *NewsAPI {
	if baseURL == "" {
		baseURL = DefaultNewsAPIURL
	}
	return &NewsAPI{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15 * time.Second),
		),
		now: time.Now,
	}
}

func (n *NewsAPI) Name() string { return "newsapi" }

type newsAPIResponse struct {
	Status   string           `json:"status"`
	Code     string           `json:"code"`
	Message  string           `json:"message"`
	Articles []newsAPIArticle `json:"articles"`
}

type newsAPIArticle struct {
	Source struct {
		Name string `json:"name"`
	} `json:"source"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
}

func (n *NewsAPI) News(ctx context.Context, query string, opts Options) ([]Article, error) {
	count := opts.Count
	if count == 0 {
		count = 5
	}
	since := opts.Since
	if since.IsZero() {
		since = n.now().AddDate(0, 0, -7)
	}
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}

	params := url.Values{
		"q":        {query},
		"from":     {since.UTC().Format("2006-01-02")},
		"to":       {n.now().UTC().Format("2006-01-02")},
		"language": {lang},
		"sortBy":   {"relevancy"},
		"pageSize": {strconv.Itoa(count)},
		"page":     {"1"},
	}

	reqURL := n.baseURL + "/v2/everything?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("newsapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", n.apiKey)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("newsapi: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("newsapi: HTTP %d: %s", resp.StatusCode, body)
	}

	var nr newsAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		return nil, fmt.Errorf("newsapi: decode response: %w", err)
	}
	if nr.Status != "ok" {
		return nil, fmt.Errorf("newsapi: %s: %s", nr.Code, nr.Message)
	}

	articles := make([]Article, 0, len(nr.Articles))
	for _, a := range nr.Articles {
		if len(articles) >= count {
			break
		}
		articles = append(articles, Article{
			Title:       a.Title,
			URL:         a.URL,
			Source:      a.Source.Name,
			PublishedAt: a.PublishedAt,
			Summary:     a.Description,
		})
	}
	return articles, nil
}
