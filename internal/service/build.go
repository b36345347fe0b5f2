package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/robosync/internal/config"
	"github.com/and161185/robosync/internal/coordinator"
	"github.com/and161185/robosync/internal/federation"
	"github.com/and161185/robosync/internal/garage"
	"github.com/and161185/robosync/internal/keystore"
	"github.com/and161185/robosync/internal/limiter"
	"github.com/and161185/robosync/internal/migrate"
	"github.com/and161185/robosync/internal/model"
	"github.com/and161185/robosync/internal/notify"
	"github.com/and161185/robosync/internal/ordersync"
	"github.com/and161185/robosync/internal/repository"
	"github.com/and161185/robosync/internal/repository/memory"
	"github.com/and161185/robosync/internal/repository/postgres"
	"github.com/and161185/robosync/internal/wallet"
)

// Options tune Build beyond the config file.
type Options struct {
	Passphrase string // seals the stored secret; empty stores it in the clear
	Wallet     wallet.Wallet
	Logger     *zap.Logger
	Migrate    bool // apply schema migrations before opening the pool
	// Background runs the health monitor, the notification bus and the periodic
	// refresh. One-shot commands leave it off.
	Background bool
}

// Build assembles a client from configuration. Slot state goes to Postgres when
// a DSN is configured and stays in memory otherwise. The returned closer
// releases the database pool.
func Build(ctx context.Context, cfg config.Config, o Options) (*Client, func(), error) {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var repo repository.SlotRepository = memory.NewSlotRepo()
	closer := func() {}
	if cfg.DSN != "" {
		if o.Migrate {
			if err := migrate.Up(ctx, cfg.DSN, log); err != nil {
				return nil, nil, err
			}
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		repo = postgres.NewSlotRepo(db)
		closer = db.Close
	}

	clients, err := coordinator.NewClients(cfg.SocksProxy, time.Duration(cfg.RequestTimeout))
	if err != nil {
		closer()
		return nil, nil, err
	}
	lim := limiter.NewMemory(limiter.DefaultConfig())
	var coords []*coordinator.Coordinator
	for _, cc := range cfg.CoordinatorConfigs() {
		coords = append(coords, coordinator.New(cc,
			coordinator.WithClients(clients),
			coordinator.WithLimiter(lim),
			coordinator.WithLogger(log.Named("coordinator")),
			coordinator.WithNetwork(cfg.Network),
			coordinator.WithTransport(cfg.Transport),
		))
	}
	fed := federation.New(coords, federation.WithLogger(log.Named("federation")))

	markers := notify.NewMarkers(cfg.Relays, nil, log.Named("markers"))
	g := garage.New(
		garage.WithRepository(repo),
		garage.WithSecretStore(keystore.NewFile(cfg.DataDir, o.Passphrase)),
		garage.WithMarkers(markers),
		garage.WithLogger(log.Named("garage")),
		garage.WithRecoveryGap(cfg.RecoveryGap),
	)

	d := Deps{
		Garage:     g,
		Federation: fed,
		Wallet:     o.Wallet,
		Logger:     log,
		SyncOptions: []ordersync.Option{
			ordersync.WithPollTimeout(time.Duration(cfg.PollTimeout)),
			ordersync.WithBackgroundFactor(cfg.BackgroundFactor),
		},
	}
	var c *Client
	if o.Background {
		d.Health = federation.NewHealthMonitor(fed, time.Duration(cfg.HealthInterval), log.Named("health"), nil)
		d.Notifications = notify.New(cfg.Relays,
			notify.WithLogger(log.Named("notify")),
			notify.WithHandler(func(n model.NotificationEvent) { c.HandleNotification(n) }),
		)
		d.RefreshInterval = time.Duration(cfg.RefreshInterval)
	}
	c = New(d)
	return c, closer, nil
}
