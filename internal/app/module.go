// Package app wires sigvault's components into an fx application with an
// explicit start and stop order.
package app

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/sigvault/internal/appdir"
	"github.com/matheus3301/sigvault/internal/bus"
	"github.com/matheus3301/sigvault/internal/config"
	"github.com/matheus3301/sigvault/internal/desktop"
	"github.com/matheus3301/sigvault/internal/ingest"
	"github.com/matheus3301/sigvault/internal/keyvault"
	"github.com/matheus3301/sigvault/internal/lock"
	"github.com/matheus3301/sigvault/internal/logging"
	"github.com/matheus3301/sigvault/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ImportDoneKey marks in cache_meta that the automatic desktop import ran.
const ImportDoneKey = "desktop_import_done"

// Params holds path overrides passed to the fx module. Empty fields use
// the defaults under appdir.
type Params struct {
	ConfigPath string
	DBPath     string
	LogPath    string
}

// OwnVault is the credential store entry holding this app's database key.
type OwnVault struct{ *keyvault.Vault }

// DesktopVault is Signal Desktop's credential store entry.
type DesktopVault struct{ *keyvault.Vault }

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("sigvault",
		fx.Supply(p),
		fx.Provide(
			ProvideConfig,
			provideLogger,
			provideBus,
			provideLock,
			ProvideOwnVault,
			ProvideDesktopVault,
			ProvideStore,
			provideEngine,
			ProvideImporter,
		),
		fx.Invoke(registerLifecycle),
	)
}

// ProvideConfig loads the config file and applies the Params overrides.
func ProvideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		if err := appdir.EnsureDir(appdir.BaseDir()); err != nil {
			return nil, err
		}
		path = appdir.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if p.DBPath != "" {
		cfg.MessagesDBPath = p.DBPath
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	path := p.LogPath
	if path == "" {
		path = appdir.LogPath()
	}
	return logging.New(path, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring database lock", zap.String("db", cfg.MessagesDBPath))
	l, err := lock.Acquire(cfg.MessagesDBPath)
	if err != nil {
		return nil, err
	}
	logger.Info("database lock acquired")
	return l, nil
}

// ProvideOwnVault returns the vault for this app's database key.
func ProvideOwnVault(cfg *config.Config) OwnVault {
	return OwnVault{keyvault.New(keyvault.KeyringBackend{}, keyvault.Service, keyvault.Account, cfg.KeychainTimeout.Duration)}
}

// ProvideDesktopVault returns the vault for Signal Desktop's entry.
func ProvideDesktopVault(cfg *config.Config) DesktopVault {
	return DesktopVault{keyvault.New(keyvault.KeyringBackend{}, keyvault.DesktopService, keyvault.DesktopAccount, cfg.KeychainTimeout.Duration)}
}

// ProvideStore returns the (not yet opened) encrypted store.
func ProvideStore(cfg *config.Config, v OwnVault, logger *zap.Logger) *store.Store {
	return store.New(cfg.MessagesDBPath, v.Vault, logger)
}

func provideEngine(st *store.Store, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(st, b, logger)
}

// ProvideImporter returns an importer for the configured Signal Desktop dir.
func ProvideImporter(cfg *config.Config, st *store.Store, v DesktopVault, b *bus.Bus, logger *zap.Logger) *desktop.Importer {
	return desktop.NewImporter(st, desktop.Locate(cfg.DesktopDir), v.Vault, cfg.PhoneNumber, b, logger)
}

// AutoImport runs the desktop import once per database. It is a no-op when
// Signal Desktop is absent or the import already completed.
func AutoImport(ctx context.Context, st *store.Store, im *desktop.Importer, logger *zap.Logger) error {
	if !im.Installed() {
		logger.Debug("signal desktop not installed, skipping auto-import")
		return nil
	}
	_, done, err := st.CacheValue(ImportDoneKey)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	res, err := im.Import(ctx)
	if closeErr := im.Close(); closeErr != nil {
		logger.Warn("error closing signal desktop db", zap.Error(closeErr))
	}
	if err != nil {
		return err
	}
	logger.Info("auto-import complete",
		zap.Int("conversations", res.Conversations),
		zap.Int("messages", res.Messages))
	return st.SetCacheValue(ImportDoneKey, "1")
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, lk *lock.Lock, st *store.Store, engine *ingest.Engine, im *desktop.Importer, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := st.Open(); err != nil {
				return err
			}
			engine.Start(ctx)

			if cfg.AutoImportEnabled {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := AutoImport(ctx, st, im, logger); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("auto-import failed", zap.Error(err))
					}
				}()
			}
			logger.Info("sigvault started", zap.String("db", st.Path()))
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			wg.Wait()
			engine.Stop()
			if err := im.Close(); err != nil {
				logger.Warn("error closing signal desktop db", zap.Error(err))
			}
			if err := st.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("sigvault stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
