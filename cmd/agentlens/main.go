package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

COLLECTOR:
  %s serve                    Start the collector (ingestion, storage, live stream)

SUBCOMMANDS:
  %s send [options]           Submit one event (direct send, queues on failure)
                              Options: --source-app, --session-id, --agent-id,
                              --agent-name, --agent-kind, --parent-agent-id,
                              --event-kind, --payload (JSON, "-" reads stdin)
  %s flush                    Drain the local durable queue to the collector
  %s status                   Show collector health (/healthz)
  %s tail [--json]            Follow the live event stream

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTLENS_HOME          Data directory (default: ~/.agentlens)
  AGENTLENS_HUB           Collector URL for send/flush/status/tail
  AGENTLENS_BIND_ADDR     Collector listen address for serve

EXAMPLES:
  Start the collector:    %s serve
  Submit an event:        %s send --source-app myapp --session-id s1 \
                              --agent-id a1 --event-kind notify --payload '{"msg":"hi"}'
  Follow the stream:      %s tail
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe(ctx))
	case "send":
		os.Exit(runSendCommand(ctx, args))
	case "flush":
		os.Exit(runFlushCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "tail":
		os.Exit(runTailCommand(ctx, args))
	case "version":
		fmt.Println(Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}
