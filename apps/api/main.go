package main

import (
	"github.com/smallbiznis/settlement/internal/app"
	"github.com/smallbiznis/settlement/internal/server"
	"go.uber.org/fx"
)

// HTTP only; rate refresh runs in apps/scheduler.
func main() {
	fx.New(
		app.Core,
		server.Module,
	).Run()
}
