package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/and161185/robosync/internal/keyderiv"
	"github.com/and161185/robosync/internal/service"
)

var secretCmd = &cli.Command{
	Name:  "secret",
	Usage: "Manage the garage master secret",
	Subcommands: []*cli.Command{
		{
			Name:  "init",
			Usage: "Generate a new garage key and print it",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "force", Usage: "replace an existing secret"},
			},
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					if c.Garage().HasSecret() && !cctx.Bool("force") {
						return errors.New("a secret is already stored, use --force to replace it")
					}
					key, err := keyderiv.GenerateGarageKey()
					if err != nil {
						return err
					}
					if err := c.Garage().SetMasterSecret(ctx, key.Encode()); err != nil {
						return err
					}
					fmt.Fprintln(cctx.App.Writer, key.Encode())
					return nil
				})
			},
		},
		{
			Name:      "import",
			Usage:     "Install a garage key, legacy token or sealed export",
			ArgsUsage: "<secret|->",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "export-passphrase", Usage: "passphrase of a sealed export"},
			},
			Action: func(cctx *cli.Context) error {
				blob, err := argOrStdin(cctx)
				if err != nil {
					return err
				}
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					if err := c.Garage().ImportSecret(ctx, blob, cctx.String("export-passphrase")); err != nil {
						return err
					}
					fmt.Fprintf(cctx.App.Writer, "secret installed, %d robots restored\n", len(c.Garage().Slots()))
					return nil
				})
			},
		},
		{
			Name:  "export",
			Usage: "Print the secret, sealed when a passphrase is given",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "export-passphrase", Usage: "seal the export"},
			},
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(_ context.Context, c *service.Client) error {
					s, err := c.Garage().ExportSecret(cctx.String("export-passphrase"))
					if err != nil {
						return err
					}
					fmt.Fprintln(cctx.App.Writer, s)
					return nil
				})
			},
		},
	},
}

// argOrStdin returns the first argument, reading stdin when it is "-" or absent.
func argOrStdin(cctx *cli.Context) (string, error) {
	if a := cctx.Args().First(); a != "" && a != "-" {
		return a, nil
	}
	var r io.Reader = os.Stdin
	if cctx.App.Reader != nil {
		r = cctx.App.Reader
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "", errors.New("no secret given")
	}
	return s, nil
}
