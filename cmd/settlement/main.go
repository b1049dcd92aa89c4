package main

import (
	"github.com/smallbiznis/settlement/internal/app"
	"github.com/smallbiznis/settlement/internal/scheduler"
	"github.com/smallbiznis/settlement/internal/server"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		app.Core,
		server.Module,
		scheduler.Module,
	).Run()
}
