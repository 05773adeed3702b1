package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layer-3/warden/adapters/events"
	"github.com/layer-3/warden/adapters/metrics"
	"github.com/layer-3/warden/adapters/registry"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/internal/eth"
	"github.com/layer-3/warden/ports"
	"github.com/layer-3/warden/service"
	transport "github.com/layer-3/warden/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var configModule = fx.Module("config",
	fx.Provide(
		config.Load,
		func(cfg config.Config) config.Sessions { return cfg.Sessions },
		func(cfg config.Config) config.Ledger { return cfg.Ledger },
		func(cfg config.Config) config.RateLimit { return cfg.RateLimit },
		newLogger,
		fx.Annotate(
			func(cfg config.Config) (*config.RelyingParties, error) {
				return config.LoadRelyingParties(cfg.RelyingPartiesFile, cfg.StrictOrigins)
			},
			fx.As(new(service.RelyingPartyResolver)),
		),
	),
)

var dataModule = fx.Module("data",
	fx.Provide(
		newRedis,
		newRegistry,
		newEventPublisher,
		newMetrics,
		store.NewRedisChallengeStore,
		store.NewRedisPendingStore,
		store.NewRedisStore,
		store.NewRedisRateLimiter,
	),
)

var ledgerModule = fx.Module("ledger",
	fx.Provide(
		newLedger,
		func(policy config.Ledger) (*eth.Relayer, error) {
			if policy.RelayerKey == "" {
				return nil, errors.New("WARDEN_LEDGER_RELAYER_KEY is required")
			}
			return eth.NewRelayer(policy.RelayerKey, big.NewInt(policy.ChainID))
		},
		func(policy config.Ledger) eth.WalletDeriver {
			return eth.NewWalletDeriver(policy.WalletFactory, policy.WalletInitHash)
		},
	),
)

var serviceModule = fx.Module("service",
	fx.Provide(
		newTokenizer,
		service.NewAuthService,
		service.NewCeremonyService,
		func(
			cfg config.Config,
			ledger ports.Ledger,
			relayer *eth.Relayer,
			registry ports.CredentialRegistry,
			parties service.RelyingPartyResolver,
			logger *zap.Logger,
		) (*service.ApprovalGate, error) {
			admins, err := cfg.Admins()
			if err != nil {
				return nil, err
			}
			return service.NewApprovalGate(ledger, relayer, cfg.Ledger, registry, parties, admins, logger), nil
		},
		service.NewTransactionBinder,
		service.NewSubmissionPipeline,
		service.NewTransactionService,
	),
)

var serverModule = fx.Module("server",
	fx.Provide(
		func(
			ceremonies *service.CeremonyService,
			auth *service.AuthService,
			transactions *service.TransactionService,
			approvals *service.ApprovalGate,
			sessions config.Sessions,
			logger *zap.Logger,
		) *transport.Handlers {
			return transport.NewHandlers(ceremonies, auth, transactions, approvals, int(sessions.AccessTTL.Seconds()), logger)
		},
		func(cfg config.Config, handlers *transport.Handlers, gatherer prometheus.Gatherer, logger *zap.Logger) (*gin.Engine, error) {
			gin.SetMode(gin.ReleaseMode)
			return transport.SetupRouter(handlers, gatherer, cfg.TrustedProxies, logger)
		},
		newHTTPServer,
	),
	fx.Invoke(func(*http.Server) {}),
)

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

func newRedis(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("closing redis client")
			return client.Close()
		},
	})
	return client, nil
}

func newRegistry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (ports.CredentialRegistry, error) {
	if cfg.DatabaseDriver == "sqlite" {
		reg, err := registry.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(reg.Close))
		return reg, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	reg, err := registry.NewPostgresRegistry(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	lc.Append(fx.StopHook(func() {
		logger.Info("closing database pool")
		pool.Close()
	}))
	return reg, nil
}

func newEventPublisher(lc fx.Lifecycle, cfg config.Config, client *redis.Client) (ports.EventPublisher, error) {
	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{Client: client},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		return nil, fmt.Errorf("create redis publisher: %w", err)
	}
	lc.Append(fx.StopHook(publisher.Close))
	return events.NewWatermillPublisher(publisher, cfg.EventTopic), nil
}

func newMetrics() (ports.Metrics, prometheus.Gatherer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), reg
}

func newLedger(lc fx.Lifecycle, policy config.Ledger) (ports.Ledger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, policy.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	lc.Append(fx.StopHook(client.Close))
	return client, nil
}

// newTokenizer signs session tokens with the configured P-256 key, or with
// a fresh key that does not survive a restart.
func newTokenizer(cfg config.Config, logger *zap.Logger) (ports.Tokenizer, error) {
	if cfg.TokenKey == "" {
		logger.Warn("WARDEN_TOKEN_KEY not set, sessions will not survive a restart")
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return tokenizer.NewJWTTokenizer(key), nil
	}

	raw, err := hexutil.Decode("0x" + strings.TrimPrefix(cfg.TokenKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, errors.New("token key is not a P-256 scalar")
	}
	key := &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: curve}, D: d}
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(raw)
	return tokenizer.NewJWTTokenizer(key), nil
}

func newHTTPServer(lc fx.Lifecycle, cfg config.Config, router *gin.Engine, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting HTTP server", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("HTTP server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping HTTP server")
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
