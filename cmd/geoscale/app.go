package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/assembler"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/cache"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/catalog"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/config"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/eventbus"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/fetch"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/ingest"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/oracle"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/prompt"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/retriever"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/tools"
)

// app holds every wired component of a running geoscale process.
type app struct {
	cfg      config.Config
	catalog  *catalog.Catalog
	store    *geo.Store
	loader   *ingest.Loader
	engine   *geoscale.Engine
	registry *tools.Registry
	cache    *cache.InMemoryCache
	bus      eventbus.EventBus

	closers []io.Closer
}

// newStorage opens the catalog and an empty layer store. It is all the
// ingest command needs.
func newStorage(cfg config.Config, bus eventbus.EventBus) (*app, error) {
	c, err := catalog.Open(cfg.Data.Catalog)
	if err != nil {
		return nil, geoscale.NewConfigurationError(fmt.Sprintf("cannot open catalog '%s'", cfg.Data.Catalog), err)
	}
	var storeOpts []geo.StoreOption
	if bus != nil {
		storeOpts = append(storeOpts, geo.WithEventBus(bus))
	}
	store := geo.NewStore(storeOpts...)

	a := &app{cfg: cfg, catalog: c, store: store, closers: []io.Closer{c}}
	a.loader = ingest.NewLoader(ingest.Config{
		Root:    cfg.Data.Root,
		Include: cfg.Data.Include,
		Exclude: cfg.Data.Exclude,
		Workers: cfg.Data.Workers,
	}, c, store)
	return a, nil
}

// newApp wires the full engine: storage, ingestion, retriever, tools,
// oracle and assembler.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	budgets := cfg.Budgets()
	var bus eventbus.EventBus
	if budgets.EnableEventBus {
		bus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(budgets.EventBusBufferSize),
			eventbus.WithWorkerCount(budgets.EventBusWorkerCount),
		)
	}

	a, err := newStorage(cfg, bus)
	if err != nil {
		if bus != nil {
			bus.Close()
		}
		return nil, err
	}
	a.bus = bus

	if _, err := a.loader.LoadAll(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var prompts *prompt.Registry
	if cfg.Oracle.Kind == "genkit" || cfg.Retriever.Embedder == "genkit" {
		prompts, err = prompt.NewRegistry(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(cfg.Oracle.Model),
			genkit.WithPromptDir(cfg.Oracle.PromptDir),
		)
		if err != nil {
			a.Close()
			return nil, geoscale.NewConfigurationError("genkit initialization failed", err)
		}
	}

	embedder, err := newEmbedder(cfg.Retriever, prompts)
	if err != nil {
		a.Close()
		return nil, err
	}
	ret := retriever.New(a.catalog, embedder,
		retriever.WithMinSimilarity(cfg.Retriever.MinSimilarity),
		retriever.WithAlwaysInclude(cfg.Retriever.AlwaysInclude...),
		retriever.WithEmbeddingStore(a.catalog),
		retriever.WithQueryCacheSize(cfg.Retriever.QueryCacheSize),
	)

	a.cache = cache.NewInMemoryCache(cfg.Tools.CacheTTL, cache.WithMaxEntries(cfg.Tools.CacheEntries))
	var fetcher tools.Fetcher
	var client *fetch.Client
	if cfg.Fetch.Enabled {
		tavilyKey := cfg.Fetch.TavilyAPIKey
		if tavilyKey == "" {
			tavilyKey = os.Getenv("TAVILY_API_KEY")
		}
		client = fetch.NewClient(
			fetch.WithOverpassURL(cfg.Fetch.OverpassURL),
			fetch.WithNominatimURL(cfg.Fetch.NominatimURL),
			fetch.WithUserAgent(cfg.Fetch.UserAgent),
			fetch.WithCircuitConfig(cfg.CircuitConfig()),
			fetch.WithTavily(cfg.Fetch.TavilyURL, tavilyKey),
		)
		fetcher = client
	}
	a.registry, err = tools.SetupRegistry(a.store, fetcher, a.catalog,
		tools.WithToolTimeout(cfg.Tools.Timeout),
		tools.WithRetries(cfg.Tools.Retries),
		tools.WithRetryDelay(cfg.Tools.RetryDelay),
		tools.WithResultCache(a.cache, a.store),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	if client != nil && client.SearchEnabled() {
		if err := a.registry.Register(tools.NewWebSearch(client)); err != nil {
			a.Close()
			return nil, err
		}
	}

	orc, err := newOracle(cfg.Oracle, prompts)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []geoscale.Option{
		geoscale.WithConfig(budgets),
		geoscale.WithOracle(orc),
		geoscale.WithRetriever(ret),
		geoscale.WithDescriptors(a.catalog),
		geoscale.WithToolRegistry(a.registry),
		geoscale.WithAssembler(assembler.New()),
	}
	if bus != nil {
		opts = append(opts, geoscale.WithEventBus(bus))
	}
	a.engine, err = geoscale.New(opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	if bus != nil && cfg.Engine.StepLog != "" {
		logger, closer, err := stepLogger(cfg.Engine.StepLog)
		if err != nil {
			a.Close()
			return nil, err
		}
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
		if _, err := geoscale.SubscribeStepLog(bus, logger); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func newEmbedder(cfg config.RetrieverConfig, prompts *prompt.Registry) (retriever.Embedder, error) {
	if cfg.Embedder != "genkit" {
		return retriever.NewLexicalEmbedder(cfg.Dimensions), nil
	}
	provider, name, ok := strings.Cut(cfg.EmbedderModel, "/")
	if !ok {
		return nil, geoscale.NewConfigurationError(fmt.Sprintf("embedder_model '%s' must be provider/name", cfg.EmbedderModel), nil)
	}
	e, err := prompts.Embedder(provider, name)
	if err != nil {
		return nil, geoscale.NewConfigurationError("embedder lookup failed", err)
	}
	return retriever.NewGenkitEmbedder(e, cfg.EmbedderModel), nil
}

func newOracle(cfg config.OracleConfig, prompts *prompt.Registry) (geoscale.Oracle, error) {
	if cfg.Kind == "script" {
		script, err := oracle.LoadScript(cfg.Script)
		if err != nil {
			return nil, geoscale.NewConfigurationError("cannot load oracle script", err)
		}
		log.Printf("Using scripted oracle (script: %s, turns: %d)", script.Name, len(script.Turns))
		return oracle.NewScriptedOracle(script), nil
	}
	return oracle.NewGenkitOracle(prompts,
		oracle.WithPromptName(cfg.PromptName),
		oracle.WithTranscriptRows(cfg.TranscriptRows),
	), nil
}

// stepLogger opens the JSON-lines step log; "-" writes to stderr.
func stepLogger(path string) (cache.Logger, io.Closer, error) {
	if path == "-" {
		return cache.NewWriterLogger(os.Stderr), nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, geoscale.NewConfigurationError(fmt.Sprintf("cannot open step log '%s'", path), err)
	}
	return cache.NewWriterLogger(f), f, nil
}

// Close releases components in reverse order of creation. The event bus
// is drained first so the step log sees every event.
func (a *app) Close() {
	switch {
	case a.engine != nil:
		a.engine.Close()
	case a.bus != nil:
		a.bus.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Printf("Failed to close component (error: %v)", err)
		}
	}
}
