// Amicus is a conversational agent that lives in Discord.
//
// It keeps a transcript of every channel it can see, chunks old
// conversation into a long-term vector memory, and answers people by
// running a local model through a think/act loop with a small set of
// tools. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	amicus serve            Connect to Discord and start responding
//	amicus init [dir]       Write an example config.yaml
//	amicus ingest           Chunk un-ingested transcript into memory
//	amicus recall <query>   Search long-term memory
//	amicus stats            Print transcript and memory statistics
//	amicus version          Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/amicus/internal/agent"
	"github.com/nugget/amicus/internal/api"
	"github.com/nugget/amicus/internal/buildinfo"
	"github.com/nugget/amicus/internal/config"
	"github.com/nugget/amicus/internal/connwatch"
	"github.com/nugget/amicus/internal/embeddings"
	"github.com/nugget/amicus/internal/events"
	"github.com/nugget/amicus/internal/fetch"
	"github.com/nugget/amicus/internal/gateway/discord"
	"github.com/nugget/amicus/internal/llm"
	"github.com/nugget/amicus/internal/memory"
	"github.com/nugget/amicus/internal/metrics"
	"github.com/nugget/amicus/internal/mqtt"
	"github.com/nugget/amicus/internal/opstate"
	"github.com/nugget/amicus/internal/retrieval"
	"github.com/nugget/amicus/internal/scheduler"
	"github.com/nugget/amicus/internal/search"
	"github.com/nugget/amicus/internal/tools"
	"github.com/nugget/amicus/internal/transcript"
	"github.com/nugget/amicus/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand because
// the flag package's globals get in the way of calling run from
// parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ingest":
		return runIngest(ctx, stdout, stderr, configPath)
	case "recall":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: amicus recall <query>")
		}
		return runRecall(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "), outputFmt)
	case "stats":
		return runStats(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Amicus - a conversational agent for Discord")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: amicus [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Connect to Discord and start responding")
	fmt.Fprintln(w, "  init [dir]      Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ingest          Chunk un-ingested transcript into long-term memory")
	fmt.Fprintln(w, "  recall <query>  Search long-term memory")
	fmt.Fprintln(w, "  stats           Show transcript and memory statistics")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/amicus/config.yaml, /etc/amicus/config.yaml")
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger. config.Validate has already
// rejected unknown levels.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// stores bundles the persistent state shared by every subcommand.
type stores struct {
	db       *sql.DB
	messages *transcript.Store
	state    *opstate.Store
	history  *scheduler.History
	usage    *usage.Store
	memory   *memory.Index
	recall   *retrieval.Engine
}

// openStores opens the database under cfg.DataDir and everything
// layered on it.
func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := cfg.ResolvePath(cfg.Memory.DBPath)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	s := &stores{db: db}
	fail := func(err error) (*stores, error) {
		db.Close()
		return nil, err
	}

	if s.messages, err = transcript.NewStore(db); err != nil {
		return fail(fmt.Errorf("open transcript: %w", err))
	}
	if s.state, err = opstate.NewStore(db); err != nil {
		return fail(fmt.Errorf("open operational state: %w", err))
	}
	if s.history, err = scheduler.NewHistory(db); err != nil {
		return fail(fmt.Errorf("open task history: %w", err))
	}
	if s.usage, err = usage.NewStore(db); err != nil {
		return fail(fmt.Errorf("open usage ledger: %w", err))
	}

	embedder := embeddings.New(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})
	s.memory, err = memory.NewIndex(db, s.messages, embedder, cfg.ResolvePath(cfg.Memory.IndexPath), memory.Options{
		MinChunkSize: cfg.Memory.MinChunkSize,
		Neighbors:    cfg.Memory.Neighbors,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("open memory index: %w", err))
	}
	s.recall = retrieval.New(s.memory, cfg.Memory.Neighbors)

	logger.Info("database opened", "path", dbPath, "embedding_model", embedder.Model())
	return s, nil
}

func (s *stores) Close() error {
	return s.db.Close()
}

// runIngest chunks every channel's un-ingested messages into memory.
func runIngest(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	channels, err := st.messages.ChannelIDs(ctx)
	if err != nil {
		return err
	}
	n, err := st.memory.IngestAll(ctx, channels)
	fmt.Fprintf(stdout, "Ingested %d chunks from %d channels\n", n, len(channels))
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

// runRecall prints the memory chunks nearest to query.
func runRecall(ctx context.Context, stdout, stderr io.Writer, configPath, query, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	chunks, err := st.memory.Search(ctx, query, 0)
	if err != nil {
		return fmt.Errorf("recall: %w", err)
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(chunks)
	}
	if len(chunks) == 0 {
		fmt.Fprintln(stdout, "Nothing comes to mind.")
		return nil
	}
	fmt.Fprintln(stdout, retrieval.Format(chunks))
	return nil
}

// runStats prints transcript and memory counts.
func runStats(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ts, err := st.messages.Stats(ctx)
	if err != nil {
		return err
	}
	ms, err := st.memory.Stats(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := st.usage.Summary(ctx, midnight, now.Add(time.Second))
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"transcript": ts, "memory": ms, "today": today})
	}
	fmt.Fprintf(stdout, "  %-12s %d\n", "messages:", ts.Messages)
	fmt.Fprintf(stdout, "  %-12s %d\n", "channels:", ts.Channels)
	fmt.Fprintf(stdout, "  %-12s %d\n", "uningested:", ts.Uningested)
	fmt.Fprintf(stdout, "  %-12s %d\n", "chunks:", ms.Chunks)
	fmt.Fprintf(stdout, "  %-12s %d\n", "vectors:", ms.Vectors)
	fmt.Fprintf(stdout, "  %-12s %d passes, %d model calls, %d+%d tokens\n", "today:",
		today.Passes, today.Calls, today.PromptTokens, today.CompletionTokens)
	return nil
}

// runServe is the primary operating mode. It connects to Discord,
// builds the agent, and blocks until ctx is cancelled.
//
// Shutdown order:
//  1. ctx is cancelled (SIGINT or SIGTERM)
//  2. the worker finishes its current task and exits
//  3. the HTTP server drains, MQTT announces offline
//  4. the Discord session and database close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting amicus", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
		"data_dir", cfg.DataDir,
	)

	if !cfg.Discord.Configured() {
		return errors.New("discord.token is not configured")
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.New()
	met := metrics.New()

	// --- Model server ---
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)

	watch := connwatch.NewManager(bus, logger)
	defer watch.Stop()
	watch.Watch(ctx, connwatch.WatcherConfig{
		Name:    "ollama",
		Probe:   ollama.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			checkModels(checkCtx, ollama, cfg.Models.Available, cfg.Embeddings.Model, logger)
		},
	})

	// --- Discord ---
	// Open before building the identity: the bot's name and id come
	// from the READY event.
	gw, err := discord.New(cfg.Discord.Token, logger)
	if err != nil {
		return err
	}
	self, err := gw.Open(ctx)
	if err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}
	defer gw.Close()

	name := cfg.Agent.Name
	if name == "" {
		name = self.Username
	}
	identity, err := agent.LoadIdentity(ctx, agent.IdentityConfig{
		Name:               name,
		PlatformID:         self.ID,
		StarterPersonality: cfg.Agent.StarterPersonality,
		UseStarter:         cfg.Agent.UseStarterPersonality,
		DefaultModel:       cfg.Models.Default,
		AvailableModels:    cfg.Models.Available,
	}, st.state)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info("identity loaded", "name", identity.Name(), "id", identity.PlatformID(), "model", identity.Model())

	// --- Tools ---
	registry := tools.NewRegistry(logger)
	registry.SetMetrics(met)
	registry.RegisterPersona(identity)
	registry.RegisterArticleReader(fetch.New())
	registry.RegisterMemory(st.recall, 3)

	news := search.NewManager()
	if cfg.Search.NewsAPIKey != "" {
		news.Register(search.NewNewsAPI(cfg.Search.NewsAPIKey, ""))
	}
	if cfg.Search.SearXNGURL != "" {
		news.Register(search.NewSearXNG(cfg.Search.SearXNGURL))
	}
	if news.Configured() {
		registry.RegisterNews(search.NewSpecialist(news, search.SpecialistConfig{
			Client:   ollama,
			Model:    cfg.Models.NewsModel,
			Language: cfg.Agent.Language,
			Articles: cfg.Search.Articles,
		}, logger))
		logger.Info("news search enabled", "providers", news.Providers())
	}
	logger.Info("tools registered", "tools", registry.Names())

	// --- Agent ---
	loop := agent.NewLoop(ollama, registry, identity, agent.LoopConfig{
		MaxSteps: cfg.Agent.MaxSteps,
		Events:   bus,
		Metrics:  met,
	}, logger)

	var interactionLog string
	if cfg.Agent.InteractionLog {
		interactionLog = filepath.Join(cfg.DataDir, "interaction_history.txt")
	}
	runtime := agent.NewRuntime(agent.Deps{
		Identity:  identity,
		Messages:  st.messages,
		Memory:    st.memory,
		Recall:    st.recall,
		Loop:      loop,
		Deliverer: gw,
		History:   st.history,
		Events:    bus,
		Metrics:   met,
	}, agent.RuntimeConfig{
		LongHistory:    cfg.Agent.LongHistory,
		ShortHistory:   cfg.Agent.ShortHistory,
		TypingSpeed:    cfg.Agent.TypingSpeed,
		InteractionLog: interactionLog,
		IngestEvery:    cfg.Memory.IngestInterval,
		IdleWake:       cfg.Agent.ScanInterval,
	}, logger)
	gw.SetHandler(runtime.HandleIncoming)

	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer runtime.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		usage.NewRecorder(st.usage, logger).Run(gctx, bus)
		return nil
	})

	// --- Operational API ---
	if cfg.API.Port > 0 {
		server := api.NewServer(cfg.API.Address, cfg.API.Port, runtime, logger)
		server.SetTaskHistory(st.history)
		server.SetUsage(st.usage)
		server.SetMemory(st.recall)
		server.SetEventBus(bus)
		server.SetMetrics(met)
		server.SetHealth(watch)

		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	// --- MQTT status ---
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		pub := mqtt.New(cfg.MQTT, instanceID, runtime, bus, logger)
		g.Go(func() error {
			return pub.Start(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown failed", "error", err)
			}
			return nil
		})
	}

	logger.Info("amicus is listening", "name", identity.Name())
	err = g.Wait()
	logger.Info("amicus stopping")
	return err
}
