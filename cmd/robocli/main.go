// Command robocli manages RoboSats identities and orders from the terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/and161185/robosync/internal/config"
	"github.com/and161185/robosync/internal/model"
	"github.com/and161185/robosync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "robocli:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "robocli",
		Usage:   "RoboSats garage and order client",
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
				Name:  "dsn",
				Usage: "PostgreSQL DSN, overrides the config file",
			},
			&cli.StringFlag{
				Name:  "network",
				Usage: "mainnet or testnet, overrides the config file",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "clearnet, onion or i2p, overrides the config file",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log to stderr",
			},
		},
		Commands: []*cli.Command{
			configCmd,
			dbCmd,
			secretCmd,
			robotCmd,
			orderCmd,
			workspaceCmd,
		},
	}
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig(cctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if v := cctx.String("dsn"); v != "" {
		cfg.DSN = v
	}
	if v := cctx.String("network"); v != "" {
		cfg.Network = model.Network(v)
	}
	if v := cctx.String("transport"); v != "" {
		cfg.Transport = model.Transport(v)
	}
	return cfg, cfg.Validate()
}

func logger(cctx *cli.Context) *zap.Logger {
	if !cctx.Bool("verbose") {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// withClient builds and starts a client for one command.
func withClient(cctx *cli.Context, fn func(ctx context.Context, c *service.Client) error) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	ctx := cctx.Context
	c, closeDB, err := service.Build(ctx, cfg, service.Options{
		Passphrase: cctx.String("passphrase"),
		Logger:     logger(cctx),
	})
	if err != nil {
		return err
	}
	defer closeDB()
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
