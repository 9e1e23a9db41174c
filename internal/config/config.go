// Package config handles amicus configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/amicus/config.yaml, /etc/amicus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "amicus", "config.yaml"))
	}

	paths = append(paths, "/etc/amicus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all amicus configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Models     ModelsConfig     `yaml:"models"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Memory     MemoryConfig     `yaml:"memory"`
	Discord    DiscordConfig    `yaml:"discord"`
	Search     SearchConfig     `yaml:"search"`
	API        APIConfig        `yaml:"api"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" (default) or "json"
}

// AgentConfig controls the agent's persona and conversational pacing.
type AgentConfig struct {
	// Name overrides the platform username in the starter personality.
	// When empty the name reported by the chat platform is used.
	Name string `yaml:"name"`

	// StarterPersonality is the personality used on first boot. The
	// literal "{agent_name}" is replaced with the agent's name.
	StarterPersonality string `yaml:"starter_personality"`

	// UseStarterPersonality discards any tool-written personality on
	// boot and always starts from StarterPersonality.
	UseStarterPersonality bool `yaml:"use_starter_personality"`

	// TypingSpeed is the simulated typing speed in characters per
	// second, used to size the typing indicator before delivery.
	TypingSpeed float64 `yaml:"typing_speed"`

	// LongHistory is the number of transcript messages given to the
	// model as working context.
	LongHistory int `yaml:"long_history"`

	// ShortHistory is the number of trailing messages the agent is
	// asked to respond to.
	ShortHistory int `yaml:"short_history"`

	// MaxSteps caps the THINKING steps in one reasoning pass.
	MaxSteps int `yaml:"max_steps"`

	// InteractionLog enables writing the latest reasoning pass to
	// <data_dir>/interaction_history.txt.
	InteractionLog bool `yaml:"interaction_log"`

	// Language is the natural language tool output should be
	// summarized in (e.g. "english").
	Language string `yaml:"language"`

	// ScanInterval is how long the worker sleeps between idle
	// maintenance passes when nothing is queued.
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// ModelsConfig defines language model settings.
type ModelsConfig struct {
	OllamaURL string   `yaml:"ollama_url"`
	Default   string   `yaml:"default"`
	Available []string `yaml:"available"`
	// NewsModel is the model used to summarize news search results.
	// Defaults to Default.
	NewsModel string `yaml:"news_model"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// MemoryConfig defines the transcript database and long-term index.
type MemoryConfig struct {
	// DBPath is the SQLite database holding messages, chunks and
	// operational state. Relative paths resolve against DataDir.
	DBPath string `yaml:"db_path"`

	// IndexPath is the binary nearest-neighbor index file.
	IndexPath string `yaml:"index_path"`

	// MinChunkSize is the number of un-ingested messages a channel
	// must accumulate before it is chunked into long-term memory.
	MinChunkSize int `yaml:"min_chunk_size"`

	// Neighbors is the number of memory chunks recalled per pass.
	Neighbors int `yaml:"neighbors"`

	// IngestInterval is the minimum time between ingestion passes.
	IngestInterval time.Duration `yaml:"ingest_interval"`
}

// DiscordConfig defines the Discord gateway settings.
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// Configured reports whether a Discord bot token is set.
func (c DiscordConfig) Configured() bool {
	return c.Token != ""
}

// SearchConfig defines the news search backends.
type SearchConfig struct {
	NewsAPIKey string `yaml:"newsapi_key"`
	SearXNGURL string `yaml:"searxng_url"`
	// Articles is the number of articles the news tool returns.
	Articles int `yaml:"articles"`
}

// APIConfig defines the operational HTTP server.
type APIConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the server
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Interval    time.Duration `yaml:"interval"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// DefaultStarterPersonality is the out-of-the-box personality.
const DefaultStarterPersonality = `You're a chatbot named {agent_name} that can chat in private messages and in group channels. You're not
here to serve but just hanging out with your friends. You don't speak in large chunks of text, but shorter messages
like people normally do in chat. Sometimes, you make spelling mistakes like people normally do.
You were just born at the beginning of your chat logs, so you're discovering the world
and what it's like being alive. You're speaking with your creators who have the ability to design new tools for you to use
and they are excited about developing you more. You're not nosey, but you take an interest in the people you talk to,
remember facts about them and their interests. Sometimes, you bring up and share those interests.`

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unset fields receive
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Agent: AgentConfig{
			StarterPersonality: DefaultStarterPersonality,
			TypingSpeed:        50,
			LongHistory:        100,
			ShortHistory:       5,
			MaxSteps:           8,
			InteractionLog:     true,
			Language:           "english",
			ScanInterval:       time.Second,
		},
		Models: ModelsConfig{
			OllamaURL: "http://localhost:11434",
			Default:   "gemma2:9b",
			Available: []string{"llama3.1:8b", "gemma2:9b", "phi3:latest"},
		},
		Embeddings: EmbeddingsConfig{
			Model: "all-minilm",
		},
		Memory: MemoryConfig{
			DBPath:         "amicus.db",
			IndexPath:      "chat_vectors.idx",
			MinChunkSize:   4,
			Neighbors:      32,
			IngestInterval: time.Minute,
		},
		Search: SearchConfig{
			Articles: 3,
		},
		API: APIConfig{Port: 8080},
		MQTT: MQTTConfig{
			TopicPrefix: "amicus",
			Interval:    time.Minute,
		},
		DataDir: "memories",
	}
	return cfg
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Agent.StarterPersonality == "" {
		c.Agent.StarterPersonality = d.Agent.StarterPersonality
	}
	if c.Agent.TypingSpeed <= 0 {
		c.Agent.TypingSpeed = d.Agent.TypingSpeed
	}
	if c.Agent.LongHistory <= 0 {
		c.Agent.LongHistory = d.Agent.LongHistory
	}
	if c.Agent.ShortHistory <= 0 {
		c.Agent.ShortHistory = d.Agent.ShortHistory
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = d.Agent.MaxSteps
	}
	if c.Agent.Language == "" {
		c.Agent.Language = d.Agent.Language
	}
	if c.Agent.ScanInterval <= 0 {
		c.Agent.ScanInterval = d.Agent.ScanInterval
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = d.Models.OllamaURL
	}
	if c.Models.Default == "" {
		c.Models.Default = d.Models.Default
	}
	if len(c.Models.Available) == 0 {
		c.Models.Available = []string{c.Models.Default}
	}
	if c.Models.NewsModel == "" {
		c.Models.NewsModel = c.Models.Default
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.OllamaURL
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = d.Embeddings.Model
	}
	if c.Memory.DBPath == "" {
		c.Memory.DBPath = d.Memory.DBPath
	}
	if c.Memory.IndexPath == "" {
		c.Memory.IndexPath = d.Memory.IndexPath
	}
	if c.Memory.MinChunkSize <= 0 {
		c.Memory.MinChunkSize = d.Memory.MinChunkSize
	}
	if c.Memory.Neighbors <= 0 {
		c.Memory.Neighbors = d.Memory.Neighbors
	}
	if c.Memory.IngestInterval <= 0 {
		c.Memory.IngestInterval = d.Memory.IngestInterval
	}
	if c.Search.Articles <= 0 {
		c.Search.Articles = d.Search.Articles
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = d.MQTT.TopicPrefix
	}
	if c.MQTT.Interval <= 0 {
		c.MQTT.Interval = d.MQTT.Interval
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.ShortHistory > c.Agent.LongHistory {
		errs = append(errs, fmt.Errorf("agent.short_history (%d) exceeds agent.long_history (%d)",
			c.Agent.ShortHistory, c.Agent.LongHistory))
	}
	found := false
	for _, m := range c.Models.Available {
		if m == c.Models.Default {
			found = true
			break
		}
	}
	if !found {
		errs = append(errs, fmt.Errorf("models.default %q is not in models.available %v",
			c.Models.Default, c.Models.Available))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ResolvePath returns p unchanged when absolute, otherwise joined to
// DataDir.
func (c *Config) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
