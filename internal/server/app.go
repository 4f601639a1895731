// Package server wires the expanse server together: storage, the account
// provider, presence, the realtime channel, the HTTP routes, the admin gRPC
// health endpoint and the background cycles, all run under one errgroup.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/expanse/internal/logging"
	"github.com/dmitrijs2005/expanse/internal/server/config"
	"github.com/dmitrijs2005/expanse/internal/server/httpapi"
	"github.com/dmitrijs2005/expanse/internal/server/metrics"
	"github.com/dmitrijs2005/expanse/internal/server/presence"
	"github.com/dmitrijs2005/expanse/internal/server/provider"
	"github.com/dmitrijs2005/expanse/internal/server/realtime"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/expanse/internal/server/scheduler"
	"github.com/dmitrijs2005/expanse/internal/server/services"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/expanse/internal/server/grpc"
)

// detachedErrorBuffer bounds failed background tasks waiting to be logged.
const detachedErrorBuffer = 64

// App owns every long-running component of the server.
type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	presence   *presence.Directory
	detached   *realtime.Detached
	identities *services.IdentityService
	backups    *services.BackupService
	admin      *gs.AdminServer
	http       *httpapi.Server
	scheduler  *scheduler.Scheduler
}

func openDB(ctx context.Context, c *config.Config, m repomanager.RepositoryManager) (*sql.DB, error) {
	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	db.SetMaxOpenConns(c.DBMaxOpenConns)

	if err := m.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return db, nil
}

// NewApp opens and migrates the database and builds every component from c.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.NewJSONLogger(os.Stdout, c.Dev)

	rm := repomanager.NewPostgresRepositoryManager()
	db, err := openDB(ctx, c, rm)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	dir := presence.NewDirectory()
	dir.OnChange(m.SetOnlineUsers)

	detached := realtime.NewDetached(logger, detachedErrorBuffer)
	detached.OnFailure(func(realtime.TaskError) { m.DetachedTaskFailed() })

	p := provider.NewReddit(provider.Options{
		ClientID:     c.ProviderClientID,
		ClientSecret: c.ProviderClientSecret,
		RedirectURL:  c.ProviderRedirectURL,
		UserAgent:    c.ProviderUserAgent,
	})

	identities := services.NewIdentityService(db, rm, p)
	data := services.NewDataService(db, rm, identities)
	syncs := services.NewSyncService(db, rm, identities)
	imports := services.NewImportService(db, rm, identities)
	backups := services.NewBackupService(db, rm, c)
	exports, err := services.NewExportService(db, rm, c.ExportDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("export dir error: %w", err)
	}

	hub := realtime.NewHub()
	sessions := httpapi.NewSessions(c.SecretKey, c.SessionValidityDuration, !c.Dev, identities, dir, logger)

	rt := realtime.NewHandler(realtime.Options{
		Identities:   identities,
		Data:         data,
		Exporter:     exports,
		Refresher:    syncs,
		Presence:     dir,
		Hub:          hub,
		Detached:     detached,
		Metrics:      m,
		Authenticate: sessions.Authenticate,
		Dev:          c.Dev,
	}, logger)

	api := httpapi.NewServer(c.EndpointAddrHTTP, httpapi.Deps{
		Identities: identities,
		Authorizer: p,
		Importer:   imports,
		Downloads:  exports,
		Presence:   dir,
		Sessions:   sessions,
		Detached:   detached,
		Policy:     httpapi.NewPolicy(c.AllowedUsers, c.DeniedUsers),
		Realtime:   rt,
		Metrics:    m.Handler(),
	}, !c.Dev, logger)

	admin := gs.NewAdminServer(c.EndpointAddrGRPC, logger)

	sched := scheduler.New(identities, syncs, backups, dir, hub, admin, m, scheduler.Options{
		RefreshInterval:   c.RefreshInterval,
		RefreshPause:      c.RefreshPause,
		RefreshCyclePause: c.RefreshCyclePause,
		BackupInterval:    c.BackupInterval,
	}, logger)

	return &App{
		config:     c,
		logger:     logger,
		db:         db,
		presence:   dir,
		detached:   detached,
		identities: identities,
		backups:    backups,
		admin:      admin,
		http:       api,
		scheduler:  sched,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run restores the configured backup if any, seeds presence with every known
// identity, then serves until a signal arrives or one of the runners fails.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if key := app.config.RestoreFrom; key != "" {
		b, err := app.backups.Restore(ctx, key)
		if err != nil {
			return fmt.Errorf("restore %s: %w", key, err)
		}
		app.logger.Info(ctx, "backup restored", "key", key, "identities", len(b.Identities), "items", len(b.Items))
	}

	usernames, err := app.identities.ListUsernames(ctx)
	if err != nil {
		return fmt.Errorf("seed presence: %w", err)
	}
	app.presence.Seed(usernames)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.detached.Run(ctx) })
	g.Go(func() error { return app.admin.Run(ctx) })
	g.Go(func() error { return app.http.Run(ctx) })
	g.Go(func() error { return app.scheduler.RunRefresh(ctx) })
	g.Go(func() error { return app.scheduler.RunBackup(ctx) })

	err = g.Wait()
	app.detached.Wait()

	if cerr := app.db.Close(); cerr != nil {
		app.logger.Error(ctx, "db close error", "error", cerr)
	}

	app.logger.Info(ctx, "App stopped")
	return err
}
