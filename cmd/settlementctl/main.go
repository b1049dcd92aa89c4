package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/smallbiznis/settlement/internal/app"
	"github.com/smallbiznis/settlement/internal/authorization"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
	manualdomain "github.com/smallbiznis/settlement/internal/manualpayment/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

// services is the slice of the container the CLI needs.
type services struct {
	fx.In

	Rates  ratedomain.Service
	Manual manualdomain.Service
	Authz  authorization.Service
}

type runtime struct {
	actor string
}

func main() {
	rt := &runtime{}
	rootCmd := &cobra.Command{
		Use:           "settlementctl",
		Short:         "Operate exchange rates and manual payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&rt.actor, "actor", os.Getenv("SETTLEMENT_ACTOR"), "Operator identity used for authorization (env SETTLEMENT_ACTOR)")

	rootCmd.AddCommand(ratesCmd(rt))
	rootCmd.AddCommand(manualCmd(rt))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withServices boots the domain container without the HTTP server or scheduler.
func (rt *runtime) withServices(ctx context.Context, fn func(ctx context.Context, svc services) error) error {
	var svc services
	container := fx.New(
		app.Core,
		fx.NopLogger,
		fx.Populate(&svc),
	)
	if err := container.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := container.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = container.Stop(stopCtx)
	}()

	return fn(ctx, svc)
}

func (rt *runtime) requireActor() (string, error) {
	actor := strings.TrimSpace(rt.actor)
	if actor == "" {
		return "", fmt.Errorf("--actor is required")
	}
	return actor, nil
}
