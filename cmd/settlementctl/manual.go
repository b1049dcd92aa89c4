package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/smallbiznis/settlement/internal/authorization"
	"github.com/spf13/cobra"
)

func manualCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manual",
		Short: "Confirm offline payments",
	}
	cmd.AddCommand(manualListCmd(rt))
	cmd.AddCommand(manualConfirmCmd(rt))
	cmd.AddCommand(manualConfirmAllCmd(rt))
	return cmd
}

func manualListCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List manual payments waiting for confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rt.requireActor()
			if err != nil {
				return err
			}
			return rt.withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				if err := svc.Authz.Authorize(ctx, actor, authorization.ObjectPayment, authorization.ActionPaymentView); err != nil {
					return err
				}
				payments, err := svc.Manual.ListPending(ctx, 0)
				if err != nil {
					return err
				}
				if len(payments) == 0 {
					fmt.Println("No pending manual payments")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ORDER\tCUSTOMER\tAMOUNT\tCREATED AT")
				for _, p := range payments {
					fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\n", p.OrderRef, p.CustomerRef, p.Amount.StringFixed(2), p.Currency, p.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func manualConfirmCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <order>",
		Short: "Confirm one manual payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rt.requireActor()
			if err != nil {
				return err
			}
			return rt.withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				payment, err := svc.Manual.Confirm(ctx, args[0], actor)
				if err != nil {
					return err
				}
				fmt.Printf("Confirmed %s: %s %s\n", payment.OrderRef, payment.Amount.StringFixed(2), payment.Currency)
				return nil
			})
		},
	}
}

func manualConfirmAllCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm-all",
		Short: "Confirm every pending manual payment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rt.requireActor()
			if err != nil {
				return err
			}
			return rt.withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				results, err := svc.Manual.ConfirmAll(ctx, actor)
				if err != nil {
					return err
				}
				failed := 0
				for _, result := range results {
					if result.Err != nil {
						failed++
						fmt.Printf("FAILED  %s: %v\n", result.OrderRef, result.Err)
						continue
					}
					fmt.Printf("OK      %s\n", result.OrderRef)
				}
				fmt.Printf("%d confirmed, %d failed\n", len(results)-failed, failed)
				if failed > 0 {
					return fmt.Errorf("%d manual payments could not be confirmed", failed)
				}
				return nil
			})
		},
	}
}
