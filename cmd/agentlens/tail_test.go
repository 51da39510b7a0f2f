package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentlens/internal/envelope"
)

func tailEnvelope() envelope.Envelope {
	return envelope.Envelope{
		EventID:    "evt-1",
		SourceApp:  "myapp",
		SessionID:  "0f8fad5b-d9cb-469f-a165-70867728950e",
		AgentID:    "agent-1",
		AgentKind:  envelope.AgentKindSubagent,
		EventKind:  "pre_tool_use",
		Payload:    json.RawMessage(`{"tool":"bash"}`),
		OccurredAt: time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC),
	}
}

func TestFormatEvent_Plain(t *testing.T) {
	env := tailEnvelope()
	env.ParentAgentID = "agent-0"
	line := formatEvent(env, false)

	for _, want := range []string{"pre_tool_use", "myapp/agent-1", "(0f8fad5b)", "<- agent-0"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestFormatEvent_NoParent(t *testing.T) {
	line := formatEvent(tailEnvelope(), false)
	if strings.Contains(line, "<-") {
		t.Fatalf("line %q shows a parent arrow for a root agent", line)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0f8fad5b-d9cb-469f"); got != "0f8fad5b" {
		t.Fatalf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Fatalf("shortID = %q", got)
	}
}
