package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pantrykit.org/internal/migrate"
	"pantrykit.org/internal/obs"
)

func main() {
	log := obs.Component("migrate")
	var (
		dsn            = flag.String("dsn", os.Getenv("PANTRY_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Path to SQL migrations (defaults to the embedded schema)")
		seedsPath      = flag.String("seeds", "", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PANTRY_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	var migrations fs.FS
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	var opts []migrate.Option
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}
	mgr := migrate.NewManager(db, migrations, opts...)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			log.WithField("migration", name).Info("applied")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			log.WithField("migration", name).Info("rolled back")
		}
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.WithError(err).Fatalf("migrate %s", flag.Arg(0))
	}
}
