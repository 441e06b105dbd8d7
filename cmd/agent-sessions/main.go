package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kmckiern/agent-sessions/internal/cache"
	"github.com/kmckiern/agent-sessions/internal/config"
	"github.com/kmckiern/agent-sessions/internal/httpapi"
	. "github.com/kmckiern/agent-sessions/internal/logging"
	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/service"
)

const version = "0.1.0"

var cli struct {
	Host    string `help:"Hostname to bind the HTTP server (default from config)."`
	Port    int    `help:"TCP port for the HTTP server (default from config)."`
	Config  string `help:"Path to agent-sessions.yaml." type:"path"`
	NoCache bool   `help:"Reload sessions on every access."`
	Watch   bool   `help:"Invalidate the snapshot when provider directories change."`
	Debug   bool   `help:"Enable debug logging."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("agent-sessions"),
		kong.Description("Browse terminal AI agent transcripts over a local JSON API."),
		kong.Vars{"version": version},
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-sessions: %v\n", err)
		os.Exit(1)
	}
	if cli.Host != "" {
		cfg.Host = cli.Host
	}
	if cli.Port != 0 {
		cfg.Port = cli.Port
	}
	if cli.NoCache {
		cfg.RefreshInterval = 0
	}
	if cli.Watch {
		cfg.Watch = true
	}
	if cli.Debug {
		cfg.Debug = true
	}

	Init(DefaultConfig())
	if cfg.Debug {
		SetLevel(LevelDebug)
	}
	L_info("agent-sessions %s starting", version)

	if cfg.CacheDir != "" {
		os.Setenv(cache.EnvCacheDir, cfg.CacheDir)
	}

	overrides := providerOverrides(cfg)
	opts := []service.Option{
		service.WithRefreshInterval(time.Duration(cfg.RefreshInterval * float64(time.Second))),
	}
	if overrides != nil {
		opts = append(opts, service.WithProviders(overrides))
	}
	svc := service.New(opts...)

	if cfg.Watch {
		watched := overrides
		if watched == nil {
			watched = provider.DefaultProviders()
		}
		watcher, err := service.NewWatcher(svc, watched)
		if err != nil {
			L_warn("source watcher unavailable: %v", err)
		} else {
			defer watcher.Close()
			L_debug("watching provider directories")
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	L_info("serving agent sessions", "url", "http://"+addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewServer(svc).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		L_fatal("server failed: %v", err)
	}
}

// providerOverrides builds a pinned provider set when the config names any
// base directory, nil otherwise.
func providerOverrides(cfg *config.Config) []provider.SessionProvider {
	homes := map[string]string{
		"openai-codex": cfg.Providers.CodexHome,
		"claude-code":  cfg.Providers.ClaudeHome,
		"gemini-cli":   cfg.Providers.GeminiHome,
	}
	configured := false
	for _, home := range homes {
		if home != "" {
			configured = true
			break
		}
	}
	if !configured {
		return nil
	}

	providers := make([]provider.SessionProvider, 0, len(provider.Registry))
	for _, entry := range provider.Registry {
		providers = append(providers, entry.New(homes[entry.Slug]))
	}
	return providers
}
