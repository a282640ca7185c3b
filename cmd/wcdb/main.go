package main

import (
	"github.com/alecthomas/kong"

	"github.com/ezhangle/wcdb/pkg/migration"
)

var cli struct {
	Migrate migration.MigrateTask `cmd:"" help:"Run online table migrations against a database."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("wcdb"),
		kong.Description("wcdb: online table migration for embedded SQLite databases"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
