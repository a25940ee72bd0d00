package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/odyssey-erp/stockledger/internal/app"
)

type command struct {
	usage string
	run   func(ctx context.Context, stack *app.Stack, args []string) error
}

var commands = map[string]command{
	"migrate":       {"apply the schema and seed default roles", runMigrate},
	"period-create": {"-code -start -end -actor: create a period", runPeriodCreate},
	"period-enrol":  {"-period -location: open the period at a location", runPeriodEnrol},
	"grant":         {"-user -role [-location]: assign a role, everywhere when -location is omitted", runGrant},
	"recon":         {"-period [-location]: show reconciliations", runRecon},
	"close-request": {"-period -actor: move every location to PENDING_CLOSE", runCloseRequest},
	"close-execute": {"-period -actor [-sync]: queue or run the close", runCloseExecute},
	"integrity":     {"[-location] [-enqueue]: compare stock rows with the movement log", runIntegrity},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: stockctl <command> [flags]")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-14s %s\n", name, commands[name].usage)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	stack, err := app.NewStack(ctx, cfg, logger)
	if err != nil {
		logger.Error("init stack", slog.Any("error", err))
		os.Exit(1)
	}
	defer stack.Close()

	if err := cmd.run(ctx, stack, os.Args[2:]); err != nil {
		logger.Error(os.Args[1], slog.Any("error", err))
		stack.Close()
		os.Exit(1)
	}
}
