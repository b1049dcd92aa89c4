package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/authorization"
	"github.com/spf13/cobra"
)

func ratesCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Inspect and control the exchange rate",
	}
	cmd.AddCommand(ratesFetchCmd(rt))
	cmd.AddCommand(ratesHistoryCmd(rt))
	cmd.AddCommand(ratesAlertsCmd(rt))
	cmd.AddCommand(ratesSetCmd(rt))
	return cmd
}

func ratesFetchCmd(rt *runtime) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Refresh the rate from the configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rt.requireActor()
			if err != nil {
				return err
			}
			return rt.withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				if err := svc.Authz.Authorize(ctx, actor, authorization.ObjectRate, authorization.ActionRateRefresh); err != nil {
					return err
				}
				result, err := svc.Rates.Refresh(ctx, force)
				if err != nil {
					return err
				}
				snap := result.Snapshot
				if !result.Fetched {
					fmt.Printf("Rate still fresh: %s %s per USD from %s (%s old)\n",
						snap.Rate.StringFixed(2), snap.Currency, snap.Source, snap.Age(time.Now()).Round(time.Second))
					return nil
				}
				fmt.Printf("Fetched %s %s per USD from %s\n", snap.Rate.StringFixed(2), snap.Currency, snap.Source)
				if result.Change != nil {
					fmt.Printf("Change: %s%% from %s\n", result.Change.ChangePct.StringFixed(2), result.Change.PreviousRate.StringFixed(2))
				}
				if result.Alert != nil {
					fmt.Printf("Alert raised: %s\n", result.Alert.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Fetch even when the cached rate is fresh")
	return cmd
}

func ratesHistoryCmd(rt *runtime) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent rate snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			actor, err := rt.requireActor()
			if err != nil {
				return err
			}
			return rt.withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				if err := svc.Authz.Authorize(ctx, actor, authorization.ObjectRateAlert, authorization.ActionRateAlertView); err != nil {
					return err
				}
				snapshots, err := svc.Rates.History(ctx, time.Now().UTC().AddDate(0, 0, -days), 0)
				if err != nil {
					return err
				}
				if len(snapshots) == 0 {
					fmt.Println("No snapshots in range")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "FETCHED AT\tRATE\tSOURCE\tBY")
				for _, snap := range snapshots {
					by := ""
					if snap.CreatedBy != nil {
						by = *snap.CreatedBy
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", snap.FetchedAt.Format(time.RFC3339), snap.Rate.StringFixed(2), snap.Source, by)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 7, "How many days back to list")
	return cmd
}

func ratesAlertsCmd(rt *runtime) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List rate alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rt.requireActor()
			if err != nil {
				return err
			}
			return rt.withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				if err := svc.Authz.Authorize(ctx, actor, authorization.ObjectRateAlert, authorization.ActionRateAlertView); err != nil {
					return err
				}
				alerts, err := svc.Rates.ListAlerts(ctx, !all, 0)
				if err != nil {
					return err
				}
				if len(alerts) == 0 {
					fmt.Println("No alerts")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCREATED AT\tKIND\tACK\tMESSAGE")
				for _, alert := range alerts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", alert.ID, alert.CreatedAt.Format(time.RFC3339), alert.Kind, alert.Acknowledged, alert.Message)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include acknowledged alerts")
	return cmd
}

func ratesSetCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "set <rate>",
		Short: "Override the rate manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rt.requireActor()
			if err != nil {
				return err
			}
			rate, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid rate %q", args[0])
			}
			return rt.withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				if err := svc.Authz.Authorize(ctx, actor, authorization.ObjectRate, authorization.ActionRateOverride); err != nil {
					return err
				}
				snap, err := svc.Rates.SetManualRate(ctx, rate, actor)
				if err != nil {
					return err
				}
				fmt.Printf("Manual rate set: %s %s per USD (snapshot %s)\n", snap.Rate.StringFixed(2), snap.Currency, snap.ID)
				return nil
			})
		},
	}
}
