package commands

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/paper-reader/reader/agent"
	"github.com/ZanzyTHEbar/paper-reader/reader/config"
	"github.com/ZanzyTHEbar/paper-reader/reader/db"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/models"
	"github.com/ZanzyTHEbar/paper-reader/reader/session"
	"github.com/rs/zerolog"
)

// app holds the wired reader for one command invocation.
type app struct {
	manager  *session.Manager
	store    session.Store
	renderer *adapters.FitzRenderer
	conn     *sql.DB
}

// openStore picks the session store from config. Commands that only touch
// stored sessions use it without wiring a model.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.Store, *sql.DB, error) {
	switch strings.ToLower(cfg.Reader.Database.Type) {
	case "memory":
		return session.NewMemoryStore(), nil, nil
	case "", "libsql":
		conn, err := db.Open(ctx, cfg.Reader.Database.DSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		return db.NewLibSQLStore(conn), conn, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database type %q", cfg.Reader.Database.Type)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	provider, err := models.NewOpenAIProvider(models.OpenAIConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		VisionModel: cfg.LLM.VisionModel,
		MaxTokens:   cfg.LLM.MaxNewTokens,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	store, conn, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	factory := harness.NewFactory(cfg, logger)
	cache := factory.CreateCache(ctx)
	renderer := adapters.NewFitzRenderer(logger)

	var searcher ports.WebSearcher
	if sp, err := adapters.NewSearchProvider(cfg.Search.Provider, cfg.Search.APIKey, cfg.Search.Depth); err != nil {
		logger.Warn().Err(err).Msg("Web lookup disabled")
	} else {
		searcher = adapters.NewResultSearcher(sp, provider, cache, cfg.Search.CacheTTL, cfg.Search.MaxSources, logger)
	}

	runner, err := agent.NewStageOrchestrator(agent.Deps{
		Orchestrator: factory.CreateOrchestrator(provider),
		Dispatchers:  factory.CreateDispatcher,
		Policy:       factory.CreatePolicy(),
		Renderer:     renderer,
		Vision:       provider,
		Searcher:     searcher,
		Cache:        cache,
		SaveProfile:  store.SaveProfile,
		Config:       cfg.Agent,
	}, logger)
	if err != nil {
		closeQuietly(renderer, conn)
		return nil, err
	}

	manager := session.NewManager(store, runner, session.Options{
		UploadsDir:   cfg.Reader.UploadsDir,
		PublicPrefix: cfg.Reader.PublicPrefix,
		Language:     cfg.Agent.Language,
		Renderer:     renderer,
		Vision:       provider,
		Figures:      cfg.Figures,
	}, logger)

	return &app{manager: manager, store: store, renderer: renderer, conn: conn}, nil
}

func (a *app) Close() {
	closeQuietly(a.renderer, a.conn)
}

func closeQuietly(renderer *adapters.FitzRenderer, conn *sql.DB) {
	if renderer != nil {
		_ = renderer.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}
