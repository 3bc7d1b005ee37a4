package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/bundle"
	"github.com/pulkyeet/triarb/internal/config"
	"github.com/pulkyeet/triarb/internal/engine"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/metrics"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/pulkyeet/triarb/internal/reserves"
	"github.com/pulkyeet/triarb/internal/simulator"
	"github.com/pulkyeet/triarb/internal/storage"
	"github.com/pulkyeet/triarb/internal/stream"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Module wires the live searcher. It expects *config.Config and *zap.Logger
// to be supplied by the caller
var Module = fx.Options(
	fx.Provide(
		newPromRegistry,
		newRecorder,
		newHealth,
		dialClient,
		LoadRegistry,
		newPaths,
		NewScanner,
		newFetcher,
		newJournal,
		newExecution,
		newSubscriber,
		newEngine,
	),
	fx.Invoke(registerStatusServer, registerSearcher),
)

// New builds the fx application for cfg
func New(cfg *config.Config, logger *zap.Logger) *fx.App {
	return fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		Module,
	)
}

func newPromRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func newRecorder(reg *prometheus.Registry) *metrics.Recorder {
	return metrics.New(reg)
}

func newHealth() *metrics.Health {
	return &metrics.Health{}
}

func dialClient(lc fx.Lifecycle, cfg *config.Config) (*eth.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RPC.Timeout)
	defer cancel()
	client, err := eth.Dial(ctx, cfg.RPC.HTTPURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		client.Close()
		return nil
	}})
	return client, nil
}

func newPaths(cfg *config.Config, registry *pools.Registry, logger *zap.Logger) ([]*arbitrage.ArbPath, error) {
	paths, err := Paths(cfg, registry)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.New("no arbitrage paths from the base token, run pools sync first")
	}
	logger.Info("paths generated", zap.Int("paths", len(paths)))
	return paths, nil
}

func newFetcher(cfg *config.Config, client *eth.Client, logger *zap.Logger) *reserves.Fetcher {
	return reserves.NewFetcher(client, cfg.Workers.ChunkSize, cfg.Workers.Reserves, logger)
}

func newJournal(lc fx.Lifecycle, cfg *config.Config) (*storage.Journal, error) {
	if !cfg.Storage.Enabled {
		return nil, nil
	}
	j, err := storage.OpenJournal(cfg.Storage.JournalPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		return j.Close()
	}})
	return j, nil
}

// Execution is the optional bundle path; both fields are nil when the
// executor is disabled
type Execution struct {
	Executor *bundle.Executor
	Builder  *bundle.Builder
}

func newExecution(lc fx.Lifecycle, cfg *config.Config, client *eth.Client, logger *zap.Logger, rec *metrics.Recorder) (Execution, error) {
	if !cfg.Executor.Enabled {
		logger.Info("executor disabled, watching only")
		return Execution{}, nil
	}
	key, err := config.ParseKey(cfg.PrivateKey)
	if err != nil {
		return Execution{}, fmt.Errorf("PRIVATE_KEY: %w", err)
	}
	authKey, err := relayKey(cfg.AuthKey)
	if err != nil {
		return Execution{}, err
	}
	loan, err := bundle.ParseFlashloan(cfg.Executor.Flashloan)
	if err != nil {
		return Execution{}, err
	}
	routers := make(map[common.Address]common.Address, len(cfg.Executor.Routers))
	for pool, router := range cfg.Executor.Routers {
		if !common.IsHexAddress(pool) || !common.IsHexAddress(router) {
			return Execution{}, fmt.Errorf("executor.routers entry %s=%s is not an address pair", pool, router)
		}
		routers[common.HexToAddress(pool)] = common.HexToAddress(router)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RPC.Timeout)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return Execution{}, err
	}
	builder, err := bundle.NewBuilder(bundle.BuilderConfig{
		ChainID:   chainID,
		Key:       key,
		Bot:       common.HexToAddress(cfg.Executor.Bot),
		Router:    common.HexToAddress(cfg.Executor.Router),
		Routers:   routers,
		GasLimit:  cfg.Executor.GasLimit,
		Flashloan: loan,
		LoanFrom:  common.HexToAddress(cfg.Executor.LoanFrom),
	})
	if err != nil {
		return Execution{}, err
	}

	relay, err := bundle.DialFlashbots(ctx, cfg.Relay.URL, authKey, cfg.Relay.Timeout)
	if err != nil {
		return Execution{}, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		relay.Close()
		return nil
	}})

	sender, err := localSimulation(lc, cfg, client, relay, logger)
	if err != nil {
		return Execution{}, err
	}
	executor := bundle.NewExecutor(sender, client, bundle.ExecutorConfig{
		Retries:      cfg.Executor.Retries,
		PollInterval: cfg.Executor.PollInterval,
		Deadline:     cfg.Executor.Deadline,
	}, logger, rec)

	logger.Info("executor enabled",
		zap.Stringer("from", builder.From()),
		zap.String("bot", cfg.Executor.Bot),
		zap.Stringer("flashloan", loan),
		zap.String("relay", cfg.Relay.URL),
		zap.String("simulation", cfg.Executor.Simulation),
	)
	return Execution{Executor: executor, Builder: builder}, nil
}

// localSimulation puts the configured local simulator in front of relay
func localSimulation(lc fx.Lifecycle, cfg *config.Config, client *eth.Client, relay bundle.Relay, logger *zap.Logger) (bundle.Relay, error) {
	switch cfg.Executor.Simulation {
	case "call":
		return simulator.WithLocalSimulation(relay, simulator.NewCaller(client, logger)), nil
	case "local":
		var store simulator.Store
		if cfg.Executor.StateCache != "" {
			cache, err := storage.OpenStateCache(cfg.Executor.StateCache)
			if err != nil {
				return nil, err
			}
			lc.Append(fx.Hook{OnStop: func(context.Context) error {
				return cache.Close()
			}})
			store = cache
		}
		return simulator.WithLocalSimulation(relay, simulator.NewEVM(client, store, nil, logger)), nil
	default:
		return relay, nil
	}
}

// relayKey parses RELAY_AUTH_KEY, or makes a throwaway one when it is unset
func relayKey(hex string) (*ecdsa.PrivateKey, error) {
	if hex == "" {
		return crypto.GenerateKey()
	}
	key, err := config.ParseKey(hex)
	if err != nil {
		return nil, fmt.Errorf("RELAY_AUTH_KEY: %w", err)
	}
	return key, nil
}

func newSubscriber(cfg *config.Config, client *eth.Client, logger *zap.Logger, rec *metrics.Recorder) (*stream.Subscriber, error) {
	return stream.NewSubscriber(stream.Config{
		URL:            cfg.RPC.WSURL,
		Pending:        cfg.Stream.Pending,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
		ReadTimeout:    cfg.Stream.ReadTimeout,
		TipTimeout:     cfg.Stream.TipTimeout,
	}, nil, client, logger, rec)
}

func newEngine(cfg *config.Config, client *eth.Client, scanner *arbitrage.Scanner, exec Execution, journal *storage.Journal, health *metrics.Health, logger *zap.Logger, rec *metrics.Recorder) (*engine.Engine, error) {
	tip, ok := new(big.Int).SetString(cfg.Executor.DefaultTipWei, 10)
	if !ok {
		return nil, fmt.Errorf("executor.default_tip_wei %q is not an integer", cfg.Executor.DefaultTipWei)
	}

	// keep typed nil pointers out of the interfaces
	var (
		submitter engine.Submitter
		builder   engine.Builder
		j         engine.Journal
	)
	if exec.Executor != nil {
		submitter, builder = exec.Executor, exec.Builder
	}
	if journal != nil {
		j = journal
	}
	return engine.New(client, scanner, submitter, builder, j, health, engine.Config{
		DefaultTip:   tip,
		PendingBatch: cfg.Storage.PendingBatch,
		FlushEvery:   cfg.Storage.FlushEvery,
		MaxBackfill:  cfg.Stream.MaxBackfill,
	}, logger, rec)
}

func registerStatusServer(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, health *metrics.Health, logger *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	srv := metrics.NewServer(cfg.Metrics.Addr, reg, health, cfg.Metrics.MaxBlockAge, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			srv.Start()
			return nil
		},
		OnStop: srv.Stop,
	})
}

// registerSearcher seeds reserves on start, then runs the stream and the
// engine until stop. If either dies on its own the app shuts down
func registerSearcher(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, sub *stream.Subscriber, eng *engine.Engine, fetcher *reserves.Fetcher, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := eng.Bootstrap(ctx, fetcher); err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			events := make(chan stream.Event, cfg.Stream.Buffer)

			wg.Add(2)
			go func() {
				defer wg.Done()
				defer close(events)
				if err := sub.Run(runCtx, events); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("stream stopped", zap.Error(err))
				}
			}()
			go func() {
				defer wg.Done()
				err := eng.Run(runCtx, events)
				if runCtx.Err() != nil {
					return
				}
				logger.Error("engine stopped", zap.Error(err))
				_ = shutdowner.Shutdown(fx.ExitCode(1))
			}()
			logger.Info("searcher started", zap.String("ws", cfg.RPC.WSURL))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			stopped := make(chan struct{})
			go func() {
				wg.Wait()
				close(stopped)
			}()
			select {
			case <-stopped:
				logger.Info("searcher stopped")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
