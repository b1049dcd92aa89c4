package main

import (
	"github.com/smallbiznis/settlement/internal/app"
	"github.com/smallbiznis/settlement/internal/scheduler"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		app.Core,
		fx.Supply(scheduler.Config{
			EnabledJobs: []string{scheduler.JobRateRefresh, scheduler.JobOverdueVerifications},
		}),
		// No server module!
		scheduler.Module,
	).Run()
}
