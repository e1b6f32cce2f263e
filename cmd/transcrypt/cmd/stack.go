package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/99designs/keyring"
	"go.etcd.io/bbolt"

	"github.com/abdoulaahmad/transcrypt2/audit"
	"github.com/abdoulaahmad/transcrypt2/audit/sqlite"
	"github.com/abdoulaahmad/transcrypt2/breakglass"
	"github.com/abdoulaahmad/transcrypt2/content"
	badgerstore "github.com/abdoulaahmad/transcrypt2/content/badger"
	"github.com/abdoulaahmad/transcrypt2/escrow"
	"github.com/abdoulaahmad/transcrypt2/index"
	"github.com/abdoulaahmad/transcrypt2/internal/config"
	"github.com/abdoulaahmad/transcrypt2/notify"
	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/storage"
	bboltstorage "github.com/abdoulaahmad/transcrypt2/storage/bbolt"
	"github.com/abdoulaahmad/transcrypt2/storage/memory"
	"github.com/abdoulaahmad/transcrypt2/storage/postgres"
	"github.com/abdoulaahmad/transcrypt2/transcript"
	"github.com/abdoulaahmad/transcrypt2/wallet"
)

// stack holds every component the commands share. Components are opened in
// dependency order and closed in reverse.
type stack struct {
	cfg    config.Config
	logger *slog.Logger

	repo        storage.Repository
	checkpoints index.CheckpointStore
	escrow      *escrow.Store
	registry    *registry.Registry
	index       *index.Index
	audit       audit.Log
	blobs       content.Store
	badger      *badgerstore.Store
	agent       wallet.Agent
	breakglass  *breakglass.Coordinator
	transcripts *transcript.Service

	closers []func()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// openStack builds the full component graph described by cfg. The caller
// must call close.
func openStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *stack, err error) {
	s := &stack{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}

	secret, err := cfg.EscrowSecret()
	if err != nil {
		return nil, err
	}
	s.escrow, err = escrow.New(s.repo, secret, escrow.WithLogger(logger))
	clear(secret)
	if err != nil {
		return nil, err
	}

	admin, err := cfg.AdminAddress()
	if err != nil {
		return nil, err
	}
	ministry, err := cfg.MinistryAddress()
	if err != nil {
		return nil, err
	}
	s.registry, err = registry.New(ctx, s.repo, s.escrow, admin, registry.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// The configured ministry must hold the ledger role for disclosures to
	// be recorded.
	hasRole, err := s.registry.HasRole(ctx, registry.RoleMinistry, ministry)
	if err != nil {
		return nil, err
	}
	if !hasRole {
		if err := s.registry.GrantRole(ctx, admin, registry.RoleMinistry, ministry); err != nil {
			return nil, fmt.Errorf("failed to grant ministry role: %w", err)
		}
		logger.Info("granted ministry role", "address", ministry.String())
	}

	s.index = index.New(s.repo, index.WithLogger(logger))

	if err := s.openAudit(ctx); err != nil {
		return nil, err
	}
	if err := s.openContent(); err != nil {
		return nil, err
	}
	if err := s.openWallet(); err != nil {
		return nil, err
	}

	s.breakglass = breakglass.New(ministry, s.escrow, s.audit, s.registry, s.index, s.notifier(),
		breakglass.WithLogger(logger))
	s.transcripts = transcript.New(s.registry, s.blobs, s.index, ministry, transcript.WithLogger(logger))
	return s, nil
}

func (s *stack) openStorage(ctx context.Context) error {
	switch s.cfg.Storage.Backend {
	case config.StorageMemory:
		s.repo = memory.NewRepository()
		s.checkpoints = index.NewMemoryCheckpoints()
		s.logger.Warn("using in-memory storage; ledger state is lost on exit")
	case config.StorageBolt:
		// A second process (the server, usually) holds the file lock; fail
		// instead of blocking forever.
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(s.cfg.DataDir, "ledger.db"),
			&bbolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return fmt.Errorf("failed to open ledger storage: %w", err)
		}
		s.closers = append(s.closers, func() { _ = repo.Close() })
		s.repo = repo
		cps, err := index.NewBoltCheckpoints(repo.DB())
		if err != nil {
			return fmt.Errorf("failed to open checkpoints: %w", err)
		}
		s.checkpoints = cps
	case config.StoragePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, s.cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s.closers = append(s.closers, repo.Close)
		s.repo = repo
		cps, err := postgres.NewCheckpoints(ctx, repo.Pool())
		if err != nil {
			return fmt.Errorf("failed to open checkpoints: %w", err)
		}
		s.checkpoints = cps
	default:
		return fmt.Errorf("%w: storage backend %q", config.ErrInvalid, s.cfg.Storage.Backend)
	}
	return nil
}

func (s *stack) openAudit(ctx context.Context) error {
	if s.cfg.Audit.Backend != config.AuditSQLite {
		s.audit = audit.NewStore(s.repo)
		return nil
	}
	path := s.cfg.SQLitePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}
	s.closers = append(s.closers, func() { _ = db.Close() })
	if err := sqlite.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate audit database: %w", err)
	}
	worker := sqlite.NewWorker(db)
	s.closers = append(s.closers, worker.Close)
	s.audit = sqlite.NewLog(db, worker)
	return nil
}

func (s *stack) openContent() error {
	if s.cfg.Content.Backend != config.ContentBadger {
		s.blobs = content.NewMemoryStore()
		return nil
	}
	store, err := badgerstore.Open(s.cfg.ContentDir())
	if err != nil {
		return fmt.Errorf("failed to open content store: %w", err)
	}
	s.closers = append(s.closers, func() { _ = store.Close() })
	s.badger = store
	s.blobs = store
	return nil
}

func (s *stack) openWallet() error {
	switch s.cfg.Wallet.Backend {
	case config.WalletMemory:
		s.agent = wallet.NewMemoryAgent()
	case config.WalletKeyring:
		agent, err := openKeyring(s.cfg)
		if err != nil {
			return err
		}
		s.agent = agent
	}
	return nil
}

func openKeyring(cfg config.Config) (*wallet.KeyringAgent, error) {
	kc := keyring.Config{ServiceName: cfg.Wallet.ServiceName}
	if cfg.Wallet.FileDir != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
		kc.FileDir = cfg.Wallet.FileDir
		kc.FilePasswordFunc = keyring.TerminalPrompt
	}
	return wallet.OpenKeyringAgent(kc)
}

// notifier always logs and additionally posts to the webhook when one is
// configured.
func (s *stack) notifier() notify.Notifier {
	logNotifier := notify.NewLogNotifier(s.logger)
	if s.cfg.Webhook.URL == "" {
		return logNotifier
	}
	hook := notify.NewWebhook(s.cfg.Webhook.URL, s.cfg.Webhook.AuthHeader, notify.WithWebhookLogger(s.logger))
	s.closers = append(s.closers, hook.Close)
	return notify.Multi{logNotifier, hook}
}

func (s *stack) listener() *index.Listener {
	return index.NewListener(s.index, s.registry, s.checkpoints, index.WithListenerLogger(s.logger))
}

func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// errAborted is returned by commands that already reported their failure.
var errAborted = errors.New("aborted")
