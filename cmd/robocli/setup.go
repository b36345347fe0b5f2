package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"

	"github.com/and161185/robosync/internal/config"
	"github.com/and161185/robosync/internal/migrate"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage the configuration file",
	Subcommands: []*cli.Command{
		{
			Name:  "init",
			Usage: "Write the default configuration",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
			},
			Action: func(cctx *cli.Context) error {
				path, err := homedir.Expand(cctx.String("config"))
				if err != nil {
					return err
				}
				if _, err := os.Stat(path); err == nil && !cctx.Bool("force") {
					return fmt.Errorf("%s exists, use --force to overwrite", path)
				} else if err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
				if err := config.Write(path, config.Default()); err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, path)
				return nil
			},
		},
		{
			Name:  "show",
			Usage: "Print the effective configuration",
			Action: func(cctx *cli.Context) error {
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				return printJSON(cctx.App.Writer, cfg)
			},
		},
	},
}

var dbCmd = &cli.Command{
	Name:  "db",
	Usage: "Manage the slot database",
	Subcommands: []*cli.Command{
		{
			Name:  "migrate",
			Usage: "Apply schema migrations",
			Action: func(cctx *cli.Context) error {
				cfg, err := requireDSN(cctx)
				if err != nil {
					return err
				}
				return migrate.Up(cctx.Context, cfg.DSN, logger(cctx))
			},
		},
		{
			Name:  "version",
			Usage: "Print the schema version",
			Action: func(cctx *cli.Context) error {
				cfg, err := requireDSN(cctx)
				if err != nil {
					return err
				}
				v, err := migrate.Version(cctx.Context, cfg.DSN, logger(cctx))
				if err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, v)
				return nil
			},
		},
	},
}

func requireDSN(cctx *cli.Context) (config.Config, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.DSN == "" {
		return config.Config{}, errors.New("no dsn configured")
	}
	return cfg, nil
}
