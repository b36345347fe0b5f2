package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/and161185/robosync/internal/config"
	"github.com/and161185/robosync/internal/service"
	"github.com/and161185/robosync/internal/workspace"
)

var workspaceCmd = &cli.Command{
	Name:  "workspace",
	Usage: "Export or import settings and the robot list, without secrets",
	Subcommands: []*cli.Command{
		{
			Name:      "export",
			Usage:     "Write the workspace document",
			ArgsUsage: "[file|-]",
			Action: func(cctx *cli.Context) error {
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				doc, err := workspace.FromConfig(cfg, time.Now())
				if err != nil {
					return err
				}
				err = withClient(cctx, func(_ context.Context, c *service.Client) error {
					for _, s := range c.Garage().Slots() {
						doc.AddIdentity(s.AccountIndex(), s.Robots())
					}
					return nil
				})
				if err != nil {
					return err
				}
				w, closeFn, err := output(cctx)
				if err != nil {
					return err
				}
				defer closeFn()
				return workspace.Encode(w, doc)
			},
		},
		{
			Name:      "import",
			Usage:     "Apply the preferences of a workspace document to the config file",
			ArgsUsage: "<file|->",
			Action: func(cctx *cli.Context) error {
				var r io.Reader = os.Stdin
				if cctx.App.Reader != nil {
					r = cctx.App.Reader
				}
				if p := cctx.Args().First(); p != "" && p != "-" {
					f, err := os.Open(p)
					if err != nil {
						return err
					}
					defer f.Close()
					r = f
				}
				doc, err := workspace.Decode(r)
				if err != nil {
					return err
				}
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				for _, alias := range workspace.Apply(doc, &cfg) {
					fmt.Fprintf(cctx.App.ErrWriter, "unknown coordinator %q ignored\n", alias)
				}
				if err := config.Write(cctx.String("config"), cfg); err != nil {
					return err
				}
				fmt.Fprintf(cctx.App.Writer, "workspace %s applied, %d identities listed\n", doc.ID, len(doc.Identities))
				return nil
			},
		},
	},
}

func output(cctx *cli.Context) (io.Writer, func(), error) {
	p := cctx.Args().First()
	if p == "" || p == "-" {
		return cctx.App.Writer, func() {}, nil
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
