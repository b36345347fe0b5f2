package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/and161185/robosync/internal/coordinator"
	"github.com/and161185/robosync/internal/model"
	"github.com/and161185/robosync/internal/ordersync"
	"github.com/and161185/robosync/internal/service"
)

var orderCmd = &cli.Command{
	Name:  "order",
	Usage: "Browse the book and act on the current robot's order",
	Subcommands: []*cli.Command{
		{
			Name:  "book",
			Usage: "Print the federation order book",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "coordinator", Usage: "only this coordinator"},
			},
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					book, err := c.Book(ctx)
					if len(book) == 0 && err != nil {
						return err
					}
					printBook(cctx.App.Writer, book, cctx.String("coordinator"))
					return nil
				})
			},
		},
		{
			Name:      "take",
			Usage:     "Take a public order with the selected robot",
			ArgsUsage: "<coordinator> <order id>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "amount", Usage: "fiat amount for range orders"},
			},
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 2 {
					return errors.New("want <coordinator> <order id>")
				}
				id, err := strconv.ParseInt(cctx.Args().Get(1), 10, 64)
				if err != nil {
					return fmt.Errorf("order id: %w", err)
				}
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					o, err := c.TakeOrder(ctx, cctx.Args().First(), id, cctx.String("amount"))
					if err != nil {
						return err
					}
					return printJSON(cctx.App.Writer, o)
				})
			},
		},
		{
			Name:  "status",
			Usage: "Fetch the selected robot's active order",
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					o, err := c.ActiveOrder(ctx)
					if err != nil {
						return err
					}
					return printJSON(cctx.App.Writer, o)
				})
			},
		},
		{
			Name:      "action",
			Usage:     "Run an action on the selected robot's active order",
			ArgsUsage: "<cancel|pause|confirm|undo_confirm|dispute|update_invoice|update_address|submit_statement|rate_user|rate_platform>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "invoice"},
				&cli.Int64Flag{Name: "routing-budget-ppm"},
				&cli.StringFlag{Name: "address"},
				&cli.StringFlag{Name: "mining-fee-rate"},
				&cli.StringFlag{Name: "statement"},
				&cli.IntFlag{Name: "rating"},
				&cli.StringFlag{Name: "password"},
			},
			Action: func(cctx *cli.Context) error {
				req, err := actionRequest(cctx)
				if err != nil {
					return err
				}
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					o, err := c.OrderAction(ctx, req)
					if err != nil {
						return err
					}
					return printJSON(cctx.App.Writer, o)
				})
			},
		},
		{
			Name:  "payments",
			Usage: "List payments the active order is waiting for",
			Action: func(cctx *cli.Context) error {
				return withClient(cctx, func(ctx context.Context, c *service.Client) error {
					o, err := c.ActiveOrder(ctx)
					if err != nil {
						return err
					}
					if req, ok := ordersync.PaymentFor(o); ok {
						fmt.Fprintf(cctx.App.Writer, "%s %d sats %s\n", req.Kind, req.Satoshis, req.Invoice)
					}
					return nil
				})
			},
		},
	},
}

func actionRequest(cctx *cli.Context) (coordinator.ActionRequest, error) {
	req := coordinator.ActionRequest{
		Action:           coordinator.Action(cctx.Args().First()),
		Invoice:          cctx.String("invoice"),
		RoutingBudgetPPM: cctx.Int64("routing-budget-ppm"),
		Address:          cctx.String("address"),
		MiningFeeRate:    cctx.String("mining-fee-rate"),
		Statement:        cctx.String("statement"),
		Rating:           cctx.Int("rating"),
		Password:         cctx.String("password"),
	}
	if !req.Action.Valid() || req.Action == coordinator.ActionTake {
		return coordinator.ActionRequest{}, fmt.Errorf("unknown order action %q", req.Action)
	}
	return req, nil
}

func printBook(w io.Writer, book []model.PublicOrder, only string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COORDINATOR\tID\tTYPE\tCURRENCY\tAMOUNT\tPREMIUM\tMETHOD\tMAKER")
	for _, o := range book {
		if only != "" && o.ShortAlias != only {
			continue
		}
		amount := o.Amount.String()
		if o.HasRange {
			amount = o.MinAmount.String() + "-" + o.MaxAmount.String()
		}
		side := "buy"
		if o.Type == 1 {
			side = "sell"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s%%\t%s\t%s\n",
			o.ShortAlias, o.ID, side, o.Currency, amount, o.Premium.StringFixed(2), o.PaymentMethod, o.MakerNick)
	}
	_ = tw.Flush()
}
