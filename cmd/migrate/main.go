// Command migrate applies or reverts the embedded PostgreSQL schema.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/tallyhq/tally/migrations"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "read .env:", err)
	}

	var (
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
		direction   = flag.String("direction", "up", "Migration direction: up or down")
		steps       = flag.Int("steps", 1, "Number of migrations to revert when direction=down")
		timeout     = flag.Duration("timeout", time.Minute, "Overall timeout")
	)
	flag.Parse()

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("postgres", *databaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "connect database:", err)
		os.Exit(1)
	}

	if err := run(ctx, db, *direction, *steps); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, db *sql.DB, direction string, steps int) error {
	switch direction {
	case "up":
		applied, err := migrations.Up(ctx, db)
		for _, v := range applied {
			fmt.Printf("applied %06d\n", v)
		}
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("schema is up to date")
		}
		return nil

	case "down":
		for i := 0; i < steps; i++ {
			v, err := migrations.Down(ctx, db)
			if err != nil {
				return err
			}
			if v == 0 {
				fmt.Println("nothing to revert")
				return nil
			}
			fmt.Printf("reverted %06d\n", v)
		}
		return nil

	default:
		return fmt.Errorf("unknown direction %q (want up or down)", direction)
	}
}
