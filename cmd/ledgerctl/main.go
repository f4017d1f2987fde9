package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/odyssey-ledger/cmd/ledgerctl/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  replay [-json] <script.json|->   replay a costing script on an in-memory ledger
  trigger <job>                    enqueue cleanup, integrity or reconcile
  queue                            show default queue counters
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	switch args[0] {
	case "replay":
		fs := flag.NewFlagSet("replay", flag.ContinueOnError)
		jsonOut := fs.Bool("json", false, "emit JSON")
		if err := fs.Parse(args[1:]); err != nil || fs.NArg() != 1 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		var script io.Reader = os.Stdin
		if path := fs.Arg(0); path != "-" {
			f, err := os.Open(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "replay: %v\n", err)
				return 1
			}
			defer f.Close()
			script = f
		}
		cfg.StoreDriver = app.StoreDriverMemory
		cfg.StockLockBackend = app.LockBackendLocal
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		engine, err := app.BuildEngine(ctx, cfg, logger, app.EngineOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "replay: %v\n", err)
			return 1
		}
		defer engine.Close()
		return cli.ReplayCommand(ctx, engine, cli.ReplayOptions{Script: script, JSONOutput: *jsonOut})
	case "trigger":
		if len(args) != 2 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
		defer jobsCLI.Close()
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "queue":
		jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
		defer jobsCLI.Close()
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue: %v\n", err)
			return 1
		}
		fmt.Printf("%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return 0
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}
