package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"folio/api/internal/app"
	"folio/api/internal/archive"
	"folio/api/internal/audit"
	"folio/api/internal/auth"
	"folio/api/internal/broadcast"
	"folio/api/internal/collab"
	"folio/api/internal/config"
	"folio/api/internal/entity"
	"folio/api/internal/eventlog"
	"folio/api/internal/presence"
	"folio/api/internal/rbac"
	"folio/api/internal/session"
	"folio/api/internal/store"
	"folio/api/internal/store/memstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type ServeOptions struct {
	*RootOptions
	Addr        string
	Storage     string
	SkipMigrate bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Long: `Run the REST gateway and the collaboration hub.

Configuration is read from the environment; flags override it.

Example:
  folio serve --addr :8787
  folio serve --storage memory --log-format console`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if opts.Addr != "" {
				cfg.Addr = opts.Addr
			}
			if opts.Storage != "" {
				cfg.Storage = strings.ToLower(opts.Storage)
			}
			if opts.SkipMigrate {
				cfg.SkipMigrate = true
			}
			return runServe(cmd.Context(), cfg, opts.RootOptions)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address; overrides API_ADDR")
	cmd.Flags().StringVar(&opts.Storage, "storage", "", "entity storage (postgres|memory); overrides FOLIO_STORAGE")
	cmd.Flags().BoolVar(&opts.SkipMigrate, "skip-migrate", false, "do not apply migrations on startup")

	return cmd
}

// backend is everything the server needs from a storage implementation.
type backend interface {
	entity.Backend
	rbac.MembershipReader
	presence.Backend
	eventlog.Backend
	audit.Backend
	Ping(ctx context.Context) error
}

func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (backend, func(), error) {
	switch cfg.Storage {
	case StorageMemory:
		mem := memstore.New()
		mem.SeedDemo()
		log.Warn("using in-memory storage with demo data; nothing is persisted",
			zap.String("workspace_id", memstore.DemoWorkspaceID),
			zap.String("document_id", memstore.DemoDocumentID))
		return mem, func() {}, nil
	case StoragePostgres, "":
		if !cfg.SkipMigrate {
			if err := store.ApplyMigrations(ctx, cfg.DatabaseURL); err != nil {
				return nil, nil, err
			}
		}
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}

func runServe(ctx context.Context, cfg config.Config, rootOpts *RootOptions) error {
	log, err := newLogger(cfg, rootOpts)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	data, closeBackend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	g, gctx := errgroup.WithContext(ctx)

	var (
		transport broadcast.Transport = broadcast.NewLocal()
		revoker   app.Revoker
		revoked   auth.RevocationChecker
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		relay, err := broadcast.NewRedisFromURL(ctx, cfg.RedisURL, log.Named("broadcast"))
		if err != nil {
			return err
		}
		defer relay.Close()
		transport = relay
		g.Go(func() error { return relay.Run(gctx) })

		revocations, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer revocations.Close()
		revoker, revoked = revocations, revocations
		log.Info("redis broadcast and token revocation enabled")
	}

	var archiver app.Archiver
	archiveCfg := archive.Config{
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Bucket:    cfg.ArchiveBucket,
		UseSSL:    cfg.ArchiveUseSSL,
	}
	if archiveCfg.Enabled() {
		minioArchiver, err := archive.NewMinio(archiveCfg)
		if err != nil {
			return err
		}
		archiver = minioArchiver
	}

	authority := rbac.NewAuthority(data)
	entities := entity.NewService(data)
	registry := presence.NewRegistry(data, log.Named("presence"))
	sink := eventlog.NewSink(data, log.Named("eventlog"))

	hub := collab.NewHub(collab.Deps{
		Documents: data,
		Roles:     authority,
		Entities:  entities,
		Presence:  registry,
		Events:    sink,
		Transport: transport,
		Logger:    log.Named("collab"),
	}, collab.Options{
		PingInterval:    cfg.WSPingInterval,
		PongWait:        cfg.WSPongWait,
		WriteWait:       cfg.WSWriteWait,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		SendBuffer:      cfg.WSSendBuffer,
	})

	service := app.New(app.Deps{
		Store:     data,
		Entities:  entities,
		Authority: authority,
		Audit:     audit.NewLogger(data, log.Named("audit")),
		Events:    sink,
		Presence:  registry,
		Announcer: hub,
		Archiver:  archiver,
		Revoker:   revoker,
		Logger:    log.Named("app"),
	})
	resolver := auth.NewResolver([]byte(cfg.JWTSecret), revoked)
	httpServer := app.NewHTTPServer(service, resolver, hub, cfg.CORSOrigin, log.Named("http"))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	reaper := presence.NewReaper(registry, cfg.PresenceTTL, cfg.PresenceReapInterval)
	if reaper.Enabled() {
		g.Go(func() error { return reaper.Run(gctx) })
	}

	g.Go(func() error {
		log.Info("folio api listening", zap.String("addr", cfg.Addr), zap.String("storage", cfg.Storage))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by http.Server.
		if err := hub.Shutdown(shutdownCtx); err != nil {
			log.Warn("hub shutdown incomplete", zap.Error(err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
