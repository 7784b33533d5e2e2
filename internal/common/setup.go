package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"custodial-ledger-go/internal/api"
	"custodial-ledger-go/internal/basewallet"
	"custodial-ledger-go/internal/config"
	"custodial-ledger-go/internal/database"
	"custodial-ledger-go/internal/evm"
	"custodial-ledger-go/internal/formance"
	"custodial-ledger-go/internal/ledger"
	"custodial-ledger-go/internal/lifecycle"
	"custodial-ledger-go/internal/listener"
	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/prime"
	"custodial-ledger-go/internal/reconcile"
	"custodial-ledger-go/internal/redisstore"
	"custodial-ledger-go/internal/store"
	"custodial-ledger-go/internal/transceiver"
	"custodial-ledger-go/internal/tron"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// A missing .env is fine; variables may come from the shell or the container
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	Store        store.Store
	Ledger       *ledger.Ledger
	Tracker      *basewallet.Tracker
	Engine       *reconcile.Engine
	Listener     *listener.BroadcastListener
	Journal      *formance.Service
	API          *api.LedgerService
	Transceivers map[string]transceiver.Transceiver
	Distribution models.DistributionConfig
}

// InitializeLogger installs a production zap logger at level (debug, info, warn, error)
func InitializeLogger(level string) (*zap.Logger, func()) {
	zapCfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zapCfg.Level = lvl
	}

	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// OpenStore opens the configured Ledger Store backend
func OpenStore(ctx context.Context, cfg models.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := database.NewService(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.BackendRedis:
		rs, err := redisstore.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case config.BackendMemory:
		zap.L().Warn("Using the in-memory store, nothing will be persisted")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// NewTransceiverRegistry registers every transceiver backend this build ships with
func NewTransceiverRegistry(cfg models.PrimeConfig) *transceiver.Registry {
	r := transceiver.NewRegistry()
	r.Register(prime.Kind, prime.NewFactory(func() (*credentials.Credentials, error) {
		return loadPrimeCredentials(cfg)
	}))
	r.Register(evm.Kind, evm.NewFactory())
	r.Register(tron.Kind, tron.NewFactory())
	return r
}

// InitializeServices wires the store, transceivers, ledger, reconciliation engine and
// broadcast listener. Nothing is started; callers start the engine and listener they need.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	wallets, distribution, err := config.LoadWallets(cfg.WalletsFile)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	services := &Services{Store: st, Distribution: distribution}

	zap.L().Info("Building transceivers", zap.Int("primary_wallets", len(wallets)))
	transceivers, err := NewTransceiverRegistry(cfg.Prime).BuildAll(ctx, wallets)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Transceivers = transceivers

	opts := ledger.Options{
		Store:          st,
		PrimaryWallets: wallets,
		BaseWallet:     cfg.BaseWallet,
		Distribution:   distribution,
		Lifecycle:      lifecycle.NewManager(st, wallets),
	}
	if cfg.Formance.Enabled {
		zap.L().Info("Connecting journal mirror", zap.String("server_url", cfg.Formance.ServerURL))
		journal, err := formance.NewService(ctx, cfg.Formance)
		if err != nil {
			services.Close()
			return nil, err
		}
		services.Journal = journal
		opts.Journal = journal
	}

	l, err := ledger.Open(ctx, opts)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Ledger = l

	services.Tracker = basewallet.NewTracker(l, transceivers, cfg.BaseWallet, cfg.Reconciliation.Timeout)
	if err := services.Tracker.EnsureBaseWallets(ctx); err != nil {
		services.Close()
		return nil, err
	}

	services.Engine = reconcile.NewEngine(l, services.Tracker, cfg.Reconciliation)
	l.SetObserver(services.Engine)

	services.Listener = listener.NewBroadcastListener(listener.BroadcastListenerConfig{
		Ledger:          l,
		Transceivers:    transceivers,
		LookbackWindow:  cfg.Listener.LookbackWindow,
		PollingInterval: cfg.Listener.PollingInterval,
		CleanupInterval: cfg.Listener.CleanupInterval,
		CallTimeout:     cfg.Listener.CallTimeout,
	})
	services.API = api.NewLedgerService(l, services.Engine)

	zap.L().Info("Services initialized",
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("reconcile_strategy", string(cfg.Reconciliation.Strategy)),
		zap.Bool("strict_mode", cfg.Reconciliation.StrictMode),
		zap.Bool("journal", services.Journal != nil))
	return services, nil
}

// Close stops background work, waits for in-flight ledger operations and closes the store
func (cs *Services) Close() {
	if cs.Listener != nil {
		cs.Listener.Stop()
	}
	if cs.Engine != nil {
		cs.Engine.Stop()
	}
	if cs.Ledger != nil {
		cs.Ledger.Close()
	}
	if cs.Store != nil {
		cs.Store.Close()
	}
}

func loadPrimeCredentials(cfg models.PrimeConfig) (*credentials.Credentials, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}

	return &credentials.Credentials{
		AccessKey:  cfg.AccessKey,
		Passphrase: cfg.Passphrase,
		SigningKey: cfg.SigningKey,
	}, nil
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
