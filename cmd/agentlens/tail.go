package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mattn/go-isatty"

	"github.com/basket/agentlens/internal/config"
	"github.com/basket/agentlens/internal/envelope"
)

type tailFrame struct {
	Type string             `json:"type"`
	Data *envelope.Envelope `json:"data,omitempty"`
}

var (
	tailTimeS   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	tailKindS   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	tailAgentS  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	tailParentS = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func runTailCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print raw event JSON, one per line")
	sessionID := fs.String("session-id", "", "only show events for this session")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	wsURL := strings.TrimRight(cfg.HubURL, "/")
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += "/stream"

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tail: %v\n", err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	color := isatty.IsTerminal(os.Stdout.Fd()) && !*asJSON

	for {
		var frame tailFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return 0
			}
			fmt.Fprintf(os.Stderr, "tail: stream closed: %v\n", err)
			return 1
		}
		switch frame.Type {
		case "connected":
			if !*asJSON {
				fmt.Fprintf(os.Stderr, "connected to %s\n", wsURL)
			}
		case "new_event":
			if frame.Data == nil {
				continue
			}
			if *sessionID != "" && frame.Data.SessionID != *sessionID {
				continue
			}
			printEvent(os.Stdout, *frame.Data, *asJSON, color)
		}
	}
}

func printEvent(w io.Writer, env envelope.Envelope, asJSON, color bool) {
	if asJSON {
		raw, err := json.Marshal(env)
		if err != nil {
			return
		}
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, formatEvent(env, color))
}

// formatEvent renders one stream event as a single line:
//
//	15:04:05 pre_tool_use  myapp/agent-1 (sess-1) <- parent-1
func formatEvent(env envelope.Envelope, color bool) string {
	ts := env.OccurredAt.Local().Format("15:04:05")
	agent := env.SourceApp + "/" + env.AgentID
	session := "(" + shortID(env.SessionID) + ")"
	var parent string
	if env.ParentAgentID != "" {
		parent = " <- " + env.ParentAgentID
	}

	if !color {
		return fmt.Sprintf("%s %-16s %s %s%s", ts, env.EventKind, agent, session, parent)
	}
	return fmt.Sprintf("%s %s %s %s%s",
		tailTimeS.Render(ts),
		tailKindS.Render(fmt.Sprintf("%-16s", env.EventKind)),
		tailAgentS.Render(agent),
		tailTimeS.Render(session),
		tailParentS.Render(parent),
	)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
