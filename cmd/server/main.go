package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/raffle-engine/internal/api"
	"github.com/atmx/raffle-engine/internal/archive"
	"github.com/atmx/raffle-engine/internal/config"
	"github.com/atmx/raffle-engine/internal/raffle"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/store"
	"github.com/atmx/raffle-engine/internal/token"
)

func main() {
	configPath := flag.String("config", os.Getenv("RAFFLE_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("raffle-engine exited", "err", err)
		os.Exit(1)
	}
	slog.Info("raffle-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	var ledger store.Ledger
	var rdb *redis.Client

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return err
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			slog.Info("migrations applied")
		}
		st = pg
		ledger = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		ledger = store.NewMemoryLedger()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if cfg.Redis.CacheTTL > 0 {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	}

	// --- Asset custody, receipts and pairs ---
	vault := token.NewVault(common.HexToAddress(cfg.Raffle.Custodian), ledger)
	receipts := token.NewReceiptBook(cfg.Raffle.ReceiptBaseURI, ledger)
	pairs := token.NewPairRegistry()
	if err := seed(ctx, cfg, vault, pairs); err != nil {
		return err
	}

	// --- Randomness coordinator ---
	var coord randomness.Coordinator
	var local *randomness.LocalCoordinator
	oracle := common.HexToAddress(cfg.Randomness.Oracle)
	switch cfg.Randomness.Coordinator {
	case "http":
		coord = randomness.NewHTTPCoordinator(cfg.Randomness.GatewayURL, oracle, cfg.Randomness.CallbackURL, cfg.Randomness.Timeout)
		slog.Info("using HTTP randomness coordinator", "gateway", cfg.Randomness.GatewayURL)
	default:
		local = randomness.NewLocalCoordinator(oracle)
		coord = local
		slog.Warn("using local randomness coordinator, draws must be fulfilled by hand")
	}

	// --- Engine ---
	params, err := cfg.EngineParams()
	if err != nil {
		return err
	}
	deps := raffle.Deps{
		Store:       st,
		Assets:      vault,
		Receipts:    receipts,
		Registry:    pairs,
		Coordinator: coord,
	}
	if rdb != nil && cfg.Redis.Lock {
		deps.Locker = store.NewRedisLocker(rdb)
		slog.Info("distributed engine lock enabled")
	}
	engine, err := raffle.New(params, deps)
	if err != nil {
		return err
	}
	if local != nil {
		local.Bind(engine)
	}

	// --- Event fan-out ---
	g, gctx := errgroup.WithContext(ctx)

	wsHub := api.NewWSHub()
	engine.Subscribe(wsHub)
	g.Go(func() error { return wsHub.Run(gctx) })

	if cfg.Archive.Enabled {
		writer, err := archive.NewS3Writer(ctx, archive.S3Config{
			Bucket:         cfg.Archive.Bucket,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		snapshotter := archive.NewSnapshotter(engine, writer, cfg.Archive.Prefix)
		engine.Subscribe(snapshotter)
		g.Go(func() error { return snapshotter.Run(gctx) })
		slog.Info("draw archive enabled", "bucket", cfg.Archive.Bucket)
	}

	// --- HTTP server ---
	opts := api.Options{
		Engine:          engine,
		Receipts:        receipts,
		Hub:             wsHub,
		SignatureWindow: cfg.Server.SignatureWindow,
		RequestTimeout:  cfg.Server.RequestTimeout,
	}
	if rdb != nil {
		opts.Seen = store.NewRedisSeenSet(rdb, "raffle:sig:")
	}
	if cfg.Dev.Enabled {
		opts.DevAPIKey = cfg.Dev.APIKey
		opts.DevCoordinator = local
		opts.Faucet = vault
		slog.Warn("dev endpoints enabled")
	}
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewServer(opts).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		slog.Info("raffle-engine listening", "port", cfg.Server.Port,
			"rounds", params.Clock.Rounds, "start", params.Clock.Start)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		slog.Info("shutting down raffle-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// seed credits configured dev balances and registers pairs. A holder that
// already has a balance of the asset is left alone so restarts over a
// persistent ledger do not mint twice.
func seed(ctx context.Context, cfg *config.Config, vault *token.Vault, pairs *token.PairRegistry) error {
	seeded := 0
	for _, b := range cfg.Dev.Balances {
		amount, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return err
		}
		asset, holder := common.HexToAddress(b.Asset), common.HexToAddress(b.Holder)
		have, err := vault.BalanceOf(ctx, asset, holder)
		if err != nil {
			return err
		}
		if have.IsPositive() {
			continue
		}
		if err := vault.Credit(ctx, asset, holder, amount); err != nil {
			return err
		}
		seeded++
	}
	for _, p := range cfg.Dev.Pairs {
		pool := pairs.CreatePair(common.HexToAddress(p.A), common.HexToAddress(p.B))
		slog.Info("pair registered", "a", p.A, "b", p.B, "pool", pool.Hex())
	}
	if seeded > 0 {
		slog.Info("dev balances seeded", "count", seeded)
	}
	return nil
}
