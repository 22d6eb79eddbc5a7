package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"fusion-trader/internal/api"
	"fusion-trader/internal/data"
	"fusion-trader/internal/executor"
	"fusion-trader/internal/ledger"
	"fusion-trader/internal/model"
	"fusion-trader/internal/orchestrator"
	"fusion-trader/internal/service"
	"fusion-trader/internal/status"
)

// App is one process: a shared market-data pipeline feeding one orchestrator per instance.
type App struct {
	cfg    *service.Config
	logger *zap.SugaredLogger

	store     *data.SeriesStore
	connector *api.Connector
	history   *api.OkxRestClient
	engine    *data.DataEngine
	news      data.NewsSource
	ledger    ledger.Ledger
	closers   []func() error

	redis  *redis.Client
	server *api.StatusServer

	orchestrators map[string]*orchestrator.Orchestrator
	sims          map[string]*executor.SimulatorExecutor
	feeds         []chan model.Ticker
}

// NewApp builds every component from cfg. Nothing is started and no connection is made except
// the ledger database when the postgres driver is selected.
func NewApp(ctx context.Context, cfg *service.Config) (*App, error) {
	a := &App{
		cfg:           cfg,
		logger:        service.Logger.Sugar(),
		store:         data.NewSeriesStore(0),
		orchestrators: make(map[string]*orchestrator.Orchestrator),
		sims:          make(map[string]*executor.SimulatorExecutor),
	}

	symbols, intervals := watchlist(cfg)
	a.connector = api.NewConnector(cfg.Exchange.WSURL, symbols, a.logger)
	engine, err := data.NewDataEngine(a.connector.GetTickerChannel(), a.store, intervals, a.logger)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	if cfg.Exchange.RESTURL != "" {
		a.history = api.NewOkxRestClient(cfg.Exchange.RESTURL, 0, a.logger)
	}

	if cfg.News.Enabled {
		a.news = data.NewHTTPNewsClient(cfg.News, a.logger)
	} else {
		a.news = data.NewMemoryNews()
	}

	if a.ledger, err = openLedger(ctx, cfg.Ledger, &a.closers); err != nil {
		return nil, err
	}

	var publisher *status.RedisPublisher
	if cfg.Redis.Enabled {
		a.redis = status.NewRedisClient(cfg.Redis)
		a.closers = append(a.closers, a.redis.Close)
		publisher = status.NewRedisPublisher(a.redis, cfg.Redis, a.logger)
	}

	controls := make(map[string]api.Instance, len(cfg.Instances))
	for _, name := range instanceNames(cfg) {
		inst := cfg.Instances[name]
		logger := service.InstanceLogger(name)

		feed := make(chan model.Ticker, 1000)
		sim := executor.NewSimulatorExecutor(executor.SimulatorConfig{InitialCapital: inst.InitialCapital}, feed, logger)
		gateway := executor.NewGuardedGateway(name, sim, executor.DefaultGuardConfig(), logger)

		orc, err := orchestrator.New(name, inst, a.store, a.news, gateway, a.ledger, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("instance %s: %w", name, err)
		}
		if publisher != nil {
			orc.Gate().AddObserver(publisher)
		}
		a.orchestrators[name] = orc
		a.sims[name] = sim
		a.feeds = append(a.feeds, feed)
		controls[name] = api.Instance{Gate: orc.Gate(), Trades: orc.Tracker()}
	}

	if cfg.Status.Enabled {
		a.server = api.NewStatusServer(cfg.Status.Addr, controls, a.ledger, a.logger)
	}
	return a, nil
}

// Run starts the pipeline and blocks until ctx is cancelled and every goroutine has returned.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	a.warmUp(ctx)

	var wg sync.WaitGroup
	goRun := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			a.logger.Infow("component stopped", "component", name)
		}()
	}

	goRun("connector", func() {
		if err := a.connector.Start(ctx); err != nil {
			a.logger.Errorw("connector failed", "error", err)
		}
	})
	goRun("data_engine", func() { a.engine.Start(ctx) })
	goRun("fanout", func() { a.fanout(ctx) })

	for name, sim := range a.sims {
		sim := sim
		goRun("sim_"+name, func() { sim.StartMonitor(ctx) })
	}
	for name, orc := range a.orchestrators {
		orc := orc
		goRun("orchestrator_"+name, func() {
			if err := orc.Run(ctx); err != nil {
				a.logger.Errorw("decision loop failed", "instance", orc.Name(), "error", err)
			}
		})
	}

	var serverErr error
	if a.server != nil {
		goRun("status_server", func() {
			if err := a.server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr = err
			}
		})
	}

	wg.Wait()
	return serverErr
}

// warmUp seeds the series store from REST history so the first cycles have a full lookback.
// Failures only delay trading until the live stream has built enough bars.
func (a *App) warmUp(ctx context.Context) {
	if a.history == nil {
		return
	}
	type key struct{ symbol, interval string }
	lookbacks := map[key]int{}
	for _, inst := range a.cfg.Instances {
		for _, symbol := range inst.Symbols {
			for _, iv := range []string{inst.Interval, inst.HigherInterval} {
				if iv == "" {
					continue
				}
				k := key{symbol, iv}
				if inst.Lookback > lookbacks[k] {
					lookbacks[k] = inst.Lookback
				}
			}
		}
	}
	for k, lookback := range lookbacks {
		bars, err := a.history.GetCandles(ctx, k.symbol, k.interval, lookback)
		if err != nil {
			a.logger.Warnw("history warm-up failed", "symbol", k.symbol, "interval", k.interval, "error", err)
			continue
		}
		a.store.Seed(k.symbol, k.interval, bars)
		a.logger.Infow("history loaded", "symbol", k.symbol, "interval", k.interval, "bars", len(bars))
	}
}

// fanout copies every broadcast ticker to each instance's simulator feed.
func (a *App) fanout(ctx context.Context) {
	defer func() {
		for _, feed := range a.feeds {
			close(feed)
		}
	}()
	in := a.engine.GetBroadcasterTickerChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			for _, feed := range a.feeds {
				select {
				case feed <- t:
				default:
				}
			}
		}
	}
}

// Orchestrator returns the named instance, or nil.
func (a *App) Orchestrator(name string) *orchestrator.Orchestrator {
	return a.orchestrators[name]
}

func (a *App) Ledger() ledger.Ledger { return a.ledger }

// Close releases the ledger database and the Redis client.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warnw("close failed", "error", err)
		}
	}
	a.closers = nil
}

func openLedger(ctx context.Context, cfg service.LedgerConfig, closers *[]func() error) (ledger.Ledger, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(), nil
	case "postgres":
		pg, err := ledger.OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		*closers = append(*closers, pg.Close)
		return pg, nil
	}
	return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
}

// watchlist is the union of every instance's symbols and bar intervals, sorted.
func watchlist(cfg *service.Config) (symbols, intervals []string) {
	seenSym := map[string]bool{}
	seenIv := map[string]bool{}
	for _, inst := range cfg.Instances {
		for _, s := range inst.Symbols {
			if !seenSym[s] {
				seenSym[s] = true
				symbols = append(symbols, s)
			}
		}
		for _, iv := range []string{inst.Interval, inst.HigherInterval} {
			if iv != "" && !seenIv[iv] {
				seenIv[iv] = true
				intervals = append(intervals, iv)
			}
		}
	}
	sort.Strings(symbols)
	sort.Strings(intervals)
	return symbols, intervals
}

func instanceNames(cfg *service.Config) []string {
	names := make([]string, 0, len(cfg.Instances))
	for name := range cfg.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
