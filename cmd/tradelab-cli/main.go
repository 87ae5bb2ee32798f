package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"tradelab/internal/config"
	"tradelab/internal/report"
	"tradelab/internal/store"
	"tradelab/internal/strategy/builtins"
	"tradelab/internal/util"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tradelab-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version          Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  runs [-n N]      List stored runs, newest first\n")
		fmt.Fprintf(os.Stderr, "  show <id>        Show one run and its trades\n")
		fmt.Fprintf(os.Stderr, "  export <id>      Write a run's trades and equity to Parquet\n")
		fmt.Fprintf(os.Stderr, "  strategies       List built-in and configured strategies\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("tradelab-cli %s\n", version)
		return
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	ctx := context.Background()

	switch cmd {
	case "runs":
		fs := flag.NewFlagSet("runs", flag.ExitOnError)
		n := fs.Int("n", 20, "number of runs to list, 0 for all")
		fs.Parse(args)
		listRuns(ctx, cfg, *n)

	case "show":
		showRun(ctx, cfg, mustID(args))

	case "export":
		exportRun(ctx, cfg, mustID(args))

	case "strategies":
		fmt.Println("built-in:")
		for _, name := range builtins.Names {
			fmt.Printf("  %s\n", name)
		}
		if len(cfg.Strategies) > 0 {
			fmt.Println("configured:")
			for _, s := range cfg.Strategies {
				fmt.Printf("  %s %s %v\n", s.Name, s.Symbol, s.Params)
			}
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
}

func openRuns(ctx context.Context, cfg *config.Config) store.RunStore {
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	runs, err := store.OpenRunStore(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, cfg.Storage.DatabaseURL, logger)
	if err != nil {
		log.Fatalf("opening run store: %v", err)
	}
	return runs
}

func mustID(args []string) uuid.UUID {
	if len(args) < 1 {
		log.Fatal("missing run id")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		log.Fatalf("invalid run id %q: %v", args[0], err)
	}
	return id
}

func listRuns(ctx context.Context, cfg *config.Config, n int) {
	runs := openRuns(ctx, cfg)
	defer runs.Close()

	list, err := runs.ListRuns(ctx, n)
	if err != nil {
		log.Fatalf("listing runs: %v", err)
	}
	if err := report.WriteRunList(os.Stdout, list); err != nil {
		log.Fatalf("writing runs: %v", err)
	}
}

func showRun(ctx context.Context, cfg *config.Config, id uuid.UUID) {
	runs := openRuns(ctx, cfg)
	defer runs.Close()

	rec, err := runs.GetRun(ctx, id)
	if err != nil {
		log.Fatalf("loading run: %v", err)
	}
	if err := report.WriteRun(os.Stdout, rec); err != nil {
		log.Fatalf("writing run: %v", err)
	}
}

func exportRun(ctx context.Context, cfg *config.Config, id uuid.UUID) {
	runs := openRuns(ctx, cfg)
	defer runs.Close()

	rec, err := runs.GetRun(ctx, id)
	if err != nil {
		log.Fatalf("loading run: %v", err)
	}
	dir, err := store.NewParquetStore(cfg.Storage.DataDir).ExportRun(ctx, rec)
	if err != nil {
		log.Fatalf("exporting run: %v", err)
	}
	fmt.Printf("exported %d trades and %d equity points to %s\n", len(rec.Trades), len(rec.Equity), dir)
}
