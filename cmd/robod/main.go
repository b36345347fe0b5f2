// Command robod keeps a RoboSats session in sync: it tracks the current robot's
// order, listens for relay notifications and reports coordinator health over gRPC.
package main

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/and161185/robosync/internal/config"
	grpcserver "github.com/and161185/robosync/internal/server/grpc"
	"github.com/and161185/robosync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "robod",
		Usage:   "RoboSats identity and order sync daemon",
		Version: version + " (" + buildDate + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				EnvVars: []string{"ROBOSYNC_CONFIG"},
				Value:   config.Path(),
			},
			&cli.StringFlag{
				Name:    "passphrase",
				Usage:   "passphrase sealing the stored master secret",
				EnvVars: []string{"ROBOSYNC_PASSPHRASE"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "health listen address, overrides grpc_addr",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "enable gRPC reflection",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "development logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	logger, err := newLogger(cctx.Bool("debug"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return err
	}
	addr := cfg.GRPCAddr
	if a := cctx.String("addr"); a != "" {
		addr = a
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", addr),
		zap.String("network", string(cfg.Network)),
		zap.Int("coordinators", len(cfg.Coordinators)),
	)

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, closeDB, err := service.Build(ctx, cfg, service.Options{
		Passphrase: cctx.String("passphrase"),
		Logger:     logger,
		Migrate:    true,
		Background: true,
	})
	if err != nil {
		return err
	}
	defer closeDB()

	var aliases []string
	for _, c := range client.Federation().Enabled() {
		aliases = append(aliases, c.ShortAlias())
	}
	hs := grpcserver.NewHealth(aliases)
	client.OnLiveness(hs.SetLive)

	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Close()

	s := grpcserver.New(logger, hs, cctx.Bool("dev"))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
