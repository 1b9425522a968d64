// Command bootstrap provisions the first administrator account in the
// postgres store and prints its temporary password once.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-account/internal/account"
	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-account/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-account/internal/activity"
	"github.com/ovaphlow/pitchfork/service-account/internal/config"
	"github.com/ovaphlow/pitchfork/service-account/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account/internal/role"
	"github.com/ovaphlow/pitchfork/service-account/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

func main() {
	_ = godotenv.Load()

	email := flag.String("email", os.Getenv("BOOTSTRAP_EMAIL"), "administrator email")
	first := flag.String("first-name", "System", "administrator first name")
	last := flag.String("last-name", "Administrator", "administrator last name")
	roleID := flag.String("role", "admin", "role granted every account capability")
	flag.Parse()

	if *email == "" {
		fmt.Fprintln(os.Stderr, "bootstrap: -email or BOOTSTRAP_EMAIL is required")
		os.Exit(2)
	}

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

	db, err := database.Connect(cfg.Database())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db.DB); err != nil {
		sugar.Fatalf("migrate: %v", err)
	}

	roles := role.NewCachedResolver(role.NewRepo(db), cfg.RoleCache)
	admin := role.Role{ID: *roleID, Name: "Administrator", Permissions: pq.StringArray(entity.AllCapabilities)}
	if err := roles.Upsert(ctx, &admin); err != nil {
		sugar.Fatalf("seed role: %v", err)
	}

	recorder := activity.NewAsyncRecorder(activity.NewPostgresSink(db), 8, cfg.StoreTimeout, sugar)
	svc := account.NewService(repo.NewAccountRepo(db), roles,
		notify.NewLogNotifier(sugar), recorder, sugar)
	svc.Hasher = account.BcryptHasher{Cost: cfg.BcryptCost}
	svc.NewID = utilities.NewIDGenerator(cfg.SnowflakeNode).NewID
	svc.StoreTimeout = cfg.StoreTimeout
	svc.VerificationTTL = cfg.VerificationTTL

	view, secret, err := svc.Bootstrap(ctx, entity.CreateAttrs{
		FirstName: *first,
		LastName:  *last,
		Email:     *email,
		RoleID:    *roleID,
	})
	if cerr := recorder.Close(ctx); cerr != nil {
		sugar.Warnw("activity log not fully flushed", "err", cerr)
	}
	if err != nil {
		sugar.Fatalf("bootstrap: %v (%s)", err, account.CodeOf(err))
	}
	sugar.Infow("administrator created", "id", view.ID, "email", view.Email)
	fmt.Printf("temporary password for %s: %s\n", view.Email, secret)
}
