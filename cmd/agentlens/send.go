package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentlens/internal/config"
	"github.com/basket/agentlens/internal/delivery"
	"github.com/basket/agentlens/internal/envelope"
	"github.com/basket/agentlens/internal/queue"
	"github.com/basket/agentlens/internal/telemetry"
)

type sendFlags struct {
	sourceApp     string
	sessionID     string
	agentID       string
	agentName     string
	agentKind     string
	parentAgentID string
	eventKind     string
	payload       string
}

func parseSendFlags(args []string) (*sendFlags, error) {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	f := &sendFlags{}
	fs.StringVar(&f.sourceApp, "source-app", "", "producing application name")
	fs.StringVar(&f.sessionID, "session-id", "", "session identifier")
	fs.StringVar(&f.agentID, "agent-id", "", "agent identifier")
	fs.StringVar(&f.agentName, "agent-name", "", "human-readable agent name")
	fs.StringVar(&f.agentKind, "agent-kind", "", "agent kind: main or subagent")
	fs.StringVar(&f.parentAgentID, "parent-agent-id", "", "spawning agent identifier")
	fs.StringVar(&f.eventKind, "event-kind", "", "event kind, e.g. pre_tool_use")
	fs.StringVar(&f.payload, "payload", "", `event payload as JSON ("-" reads stdin)`)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// buildEnvelope turns the flags into a validated envelope. The payload
// starts from --payload; JSON piped on stdin is merged into it key by key,
// stdin winning on collisions, so a hook can enrich a fixed payload with
// whatever context the runtime pipes in. --payload "-" takes stdin alone.
func buildEnvelope(f *sendFlags, stdin io.Reader, defaultSourceApp string) (envelope.Envelope, error) {
	sourceApp := f.sourceApp
	if sourceApp == "" {
		sourceApp = defaultSourceApp
	}

	payload, err := resolvePayload(f.payload, stdin)
	if err != nil {
		return envelope.Envelope{}, err
	}

	env := envelope.New(sourceApp, f.sessionID, f.agentID, f.eventKind, payload)
	env.AgentName = f.agentName
	if f.agentKind != "" {
		env.AgentKind = envelope.AgentKind(f.agentKind)
	}
	env.ParentAgentID = f.parentAgentID

	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

func resolvePayload(flagPayload string, stdin io.Reader) (json.RawMessage, error) {
	var base json.RawMessage
	if flagPayload != "" && flagPayload != "-" {
		if !json.Valid([]byte(flagPayload)) {
			return nil, errors.New("payload is not valid JSON")
		}
		base = json.RawMessage(flagPayload)
	}

	var piped []byte
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		piped = bytes.TrimSpace(data)
	}

	if len(piped) == 0 {
		if flagPayload == "-" {
			return nil, errors.New(`payload is "-" but stdin is empty`)
		}
		return base, nil
	}
	if !json.Valid(piped) {
		return nil, errors.New("stdin payload is not valid JSON")
	}
	if base == nil {
		return json.RawMessage(piped), nil
	}
	return mergePayload(base, piped)
}

// mergePayload overlays the keys of extra onto base.
func mergePayload(base, extra json.RawMessage) (json.RawMessage, error) {
	var b, e map[string]json.RawMessage
	if err := json.Unmarshal(base, &b); err != nil {
		return nil, errors.New("merging stdin into --payload requires JSON objects on both sides")
	}
	if err := json.Unmarshal(extra, &e); err != nil {
		return nil, errors.New("merging stdin into --payload requires JSON objects on both sides")
	}
	for k, v := range e {
		b[k] = v
	}
	return json.Marshal(b)
}

func runSendCommand(ctx context.Context, args []string) int {
	f, err := parseSendFlags(args)
	if err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// Only read stdin when something is actually piped in; an interactive
	// terminal would block forever.
	var stdin io.Reader
	if f.payload == "-" || !isatty.IsTerminal(os.Stdin.Fd()) {
		stdin = os.Stdin
	}
	env, err := buildEnvelope(f, stdin, cfg.SourceApp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		return 2
	}

	// File-only logs: stdout belongs to the command output.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	q, err := queue.Open(cfg.QueueDir(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open queue: %v\n", err)
		return 1
	}

	agent := delivery.NewAgent(delivery.Config{
		Client:        delivery.NewClient(cfg.HubURL, nil),
		Queue:         q,
		Logger:        logger,
		DirectTimeout: cfg.DirectTimeout(),
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		BatchSize:     cfg.Delivery.BatchSize,
	})
	if err := agent.Deliver(env); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		return 1
	}
	fmt.Println(env.EventID)
	return 0
}
