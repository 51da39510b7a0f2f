package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestValidate_RequiredFields(t *testing.T) {
	valid := Envelope{
		EventID:   "e1",
		SourceApp: "app",
		SessionID: "s1",
		AgentID:   "a1",
		EventKind: "tool-start",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	cases := []struct {
		field string
		mut   func(*Envelope)
	}{
		{"event_id", func(e *Envelope) { e.EventID = "" }},
		{"source_app", func(e *Envelope) { e.SourceApp = "  " }},
		{"session_id", func(e *Envelope) { e.SessionID = "" }},
		{"agent_id", func(e *Envelope) { e.AgentID = "" }},
		{"event_kind", func(e *Envelope) { e.EventKind = "" }},
	}
	for _, tc := range cases {
		env := valid
		tc.mut(&env)
		err := env.Validate()
		if err == nil {
			t.Fatalf("missing %s not rejected", tc.field)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("error type = %T, want *ValidationError", err)
		}
		if verr.Field != tc.field {
			t.Fatalf("field = %q, want %q", verr.Field, tc.field)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	env := Envelope{
		EventID:   "e1",
		SourceApp: "app",
		SessionID: "s1",
		AgentID:   "a1",
		EventKind: "notify",
	}
	env.ApplyDefaults()

	if env.AgentKind != AgentKindMain {
		t.Fatalf("agent_kind = %q, want %q", env.AgentKind, AgentKindMain)
	}
	if env.MachineID == "" {
		t.Fatal("machine_id not defaulted")
	}
	if env.OccurredAt.IsZero() {
		t.Fatal("occurred_at not stamped")
	}
	if string(env.Payload) != "{}" {
		t.Fatalf("payload = %q, want {}", env.Payload)
	}
	if env.ParentAgentID != "" {
		t.Fatal("parent_agent_id must stay absent")
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	env := Envelope{AgentKind: AgentKindSubagent, MachineID: "box-7"}
	env.ApplyDefaults()
	if env.AgentKind != AgentKindSubagent {
		t.Fatalf("agent_kind overwritten: %q", env.AgentKind)
	}
	if env.MachineID != "box-7" {
		t.Fatalf("machine_id overwritten: %q", env.MachineID)
	}
}

func TestNew_StampsIdentity(t *testing.T) {
	a := New("app", "s1", "a1", "tool-start", nil)
	b := New("app", "s1", "a1", "tool-start", nil)
	if a.EventID == "" || a.EventID == b.EventID {
		t.Fatalf("event IDs not unique: %q vs %q", a.EventID, b.EventID)
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("New produced invalid envelope: %v", err)
	}
}

func TestPayload_RoundTripsVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"tool":"Bash","nested":{"a":[1,2,3]},"n":1.50}`)
	env := New("app", "s1", "a1", "tool-start", raw)

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(back.Payload, raw) {
		t.Fatalf("payload altered in transit:\n got %s\nwant %s", back.Payload, raw)
	}
}
