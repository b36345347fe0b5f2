package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/garage"
	"github.com/and161185/robosync/internal/service"
)

var robotCmd = &cli.Command{
	Name:  "robot",
	Usage: "Manage the robots in the garage",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Derive the next robot and register it with the federation",
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					s, err := c.CreateRobot(ctx)
					if s != nil {
						printSlots(cctx.App.Writer, []*garage.Slot{s}, s.Token())
					}
					return err
				})
			},
		},
		{
			Name:  "list",
			Usage: "List robots; the selected one is starred",
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(_ context.Context, c *service.Client) error {
					cur := ""
					if s, ok := c.Garage().Current(); ok {
						cur = s.Token()
					}
					printSlots(cctx.App.Writer, c.Garage().Slots(), cur)
					return nil
				})
			},
		},
		{
			Name:      "select",
			Usage:     "Select a robot by account index",
			ArgsUsage: "<index>",
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(_ context.Context, c *service.Client) error {
					s, err := slotAt(cctx, c)
					if err != nil {
						return err
					}
					return c.Garage().SelectSlot(s.Token())
				})
			},
		},
		{
			Name:  "next",
			Usage: "Select the next account, creating it when needed",
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					s, err := c.Garage().NextAccount(ctx, c.Federation())
					if s != nil {
						printSlots(cctx.App.Writer, []*garage.Slot{s}, s.Token())
					}
					return err
				})
			},
		},
		{
			Name:  "prev",
			Usage: "Select the previous account",
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(_ context.Context, c *service.Client) error {
					s, err := c.Garage().PreviousAccount()
					if err != nil {
						return err
					}
					printSlots(cctx.App.Writer, []*garage.Slot{s}, s.Token())
					return nil
				})
			},
		},
		{
			Name:      "delete",
			Usage:     "Forget a robot locally; its index is never reused",
			ArgsUsage: "<index>",
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					s, err := slotAt(cctx, c)
					if err != nil {
						return err
					}
					return c.Garage().DeleteSlot(ctx, s.Token())
				})
			},
		},
		{
			Name:  "recover",
			Usage: "Scan relays and coordinators for previously used accounts",
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					res, err := c.Recover(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cctx.App.Writer, "scanned %d accounts, found %d %v\n", res.Scanned, res.Found, res.Indices)
					return nil
				})
			},
		},
		{
			Name:  "wipe",
			Usage: "Forget the secret and every robot on this machine",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "yes", Usage: "confirm"},
			},
			Action: func(cctx *cli.Context) error {
				if !cctx.Bool("yes") {
					return errors.New("refusing to wipe without --yes")
				}
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					return c.Garage().WipeSecret(ctx)
				})
			},
		},
	},
}

func slotAt(cctx *cli.Context, c *service.Client) (*garage.Slot, error) {
	idx, err := strconv.ParseUint(cctx.Args().First(), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("account index: %w", err)
	}
	for _, s := range c.Garage().Slots() {
		if s.AccountIndex() == uint32(idx) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("account %d: %w", idx, errs.ErrNotFound)
}

func printSlots(w io.Writer, slots []*garage.Slot, current string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tINDEX\tNICKNAME\tACTIVE\tLAST\tFOUND")
	for _, s := range slots {
		mark := ""
		if s.Token() == current {
			mark = "*"
		}
		active := "-"
		if alias, id, ok := s.ActiveOrder(); ok {
			active = fmt.Sprintf("%s#%d", alias, id)
		}
		last := "-"
		if a := s.LastShortAlias(); a != "" {
			if r, ok := s.Robot(a); ok && r.LastOrderID != 0 {
				last = fmt.Sprintf("%s#%d", a, r.LastOrderID)
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%t\n", mark, s.AccountIndex(), s.Nickname(), active, last, s.Found())
	}
	_ = tw.Flush()
}
