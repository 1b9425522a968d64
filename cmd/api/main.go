package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/account"
	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-account/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-account/internal/activity"
	"github.com/ovaphlow/pitchfork/service-account/internal/auth"
	"github.com/ovaphlow/pitchfork/service-account/internal/config"
	"github.com/ovaphlow/pitchfork/service-account/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account/internal/role"
	"github.com/ovaphlow/pitchfork/service-account/internal/router"
	"github.com/ovaphlow/pitchfork/service-account/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

const adminRoleID = "admin"

func main() {
	// best-effort: without a .env file the real environment is used
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(cfg.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Infow("starting service-account", "store", cfg.Store, "addr", cfg.HTTPAddr)

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("service stopped", "err", err)
		_ = lg.Sync()
		os.Exit(1)
	}
	sugar.Info("goodbye")
}

func run(ctx context.Context, cfg config.Config, sugar *zap.SugaredLogger) error {
	var (
		store   account.Store
		source  role.Source
		sink    activity.Sink
		readyFn func(*http.Request) error
	)

	admin := role.Role{ID: adminRoleID, Name: "Administrator", Permissions: pq.StringArray(entity.AllCapabilities)}
	switch cfg.Store {
	case "postgres":
		db, err := database.Connect(cfg.Database())
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		if err := database.Migrate(ctx, db.DB); err != nil {
			return err
		}
		store = repo.NewAccountRepo(db)
		source = role.NewRepo(db)
		sink = activity.NewPostgresSink(db)
		readyFn = func(r *http.Request) error { return db.PingContext(r.Context()) }
	default:
		sugar.Warn("using in-memory account store; data is lost on restart")
		store = repo.NewMemoryStore()
		source = role.NewMemorySource()
		sink = activity.NewLogSink(sugar)
	}

	roles := role.NewCachedResolver(source, cfg.RoleCache)
	if err := roles.Upsert(ctx, &admin); err != nil {
		return fmt.Errorf("seed admin role: %w", err)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(sugar)
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		var err error
		nc, err = notify.Connect(cfg.NATSURL, "service-account", sugar)
		if err != nil {
			return err
		}
		defer nc.Close()
		notifier = notify.NewNATSNotifier(nc, cfg.NATSSubject, sugar)
	} else {
		sugar.Warn("NATS_URL not set; notifications are only logged")
	}

	recorder := activity.NewAsyncRecorder(sink, 256, cfg.StoreTimeout, sugar)

	svc := account.NewService(store, roles, notifier, recorder, sugar)
	svc.Hasher = account.BcryptHasher{Cost: cfg.BcryptCost}
	svc.NewID = utilities.NewIDGenerator(cfg.SnowflakeNode).NewID
	svc.LockThreshold = cfg.LockThreshold
	svc.LockDuration = cfg.LockDuration
	svc.StoreTimeout = cfg.StoreTimeout
	svc.NotifyTimeout = cfg.NotifyTimeout
	svc.VerificationTTL = cfg.VerificationTTL
	svc.LoginURL = cfg.LoginURL
	svc.Warm()

	if cfg.Store == "memory" {
		view, secret, err := svc.Bootstrap(ctx, entity.CreateAttrs{
			FirstName: "System",
			LastName:  "Administrator",
			Email:     cfg.BootstrapEmail,
			RoleID:    adminRoleID,
		})
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		fmt.Fprintf(os.Stderr, "bootstrap admin %s (%s) temporary password: %s\n", view.Email, view.ID, secret)
	}

	tokens, err := auth.NewTokenIssuer(cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		return err
	}

	handler := router.New(sugar, router.Options{CORSOrigins: cfg.CORSOrigins, Ready: readyFn},
		account.NewHandler(svc, tokens, sugar).Routes())
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		sugar.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	doneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnw("http server shutdown failed", "err", err)
	}
	if err := recorder.Close(doneCtx); err != nil {
		sugar.Warnw("activity log not fully flushed", "err", err)
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			sugar.Warnw("nats drain failed", "err", err)
		}
	}
	return nil
}
