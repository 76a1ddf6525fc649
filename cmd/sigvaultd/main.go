package main

import (
	"flag"

	"github.com/matheus3301/sigvault/internal/app"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.config/sigvault/config.toml)")
	dbFlag := flag.String("db", "", "message database path (overrides config)")
	flag.Parse()

	fx.New(
		app.Module(app.Params{ConfigPath: *configFlag, DBPath: *dbFlag}),
	).Run()
}
