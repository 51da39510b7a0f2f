// Package envelope defines the event envelope, the unit of transport and
// storage for the whole pipeline. Identity and routing fields are a closed
// struct; the payload is an opaque blob that is stored and broadcast verbatim
// and never interpreted.
package envelope

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentKind distinguishes top-level agents from delegated sub-agents.
// Wire values match the hook contract ("main"/"subagent").
type AgentKind string

const (
	AgentKindMain     AgentKind = "main"
	AgentKindSubagent AgentKind = "subagent"
)

// DefaultMachineID is used when the local hostname cannot be resolved.
const DefaultMachineID = "unknown"

// Envelope is one event record flowing through the pipeline.
//
// EventID is the idempotency key: producer-generated, immutable, globally
// unique for the lifetime of the store. A collision is treated as redelivery,
// never as an error. OccurredAt carries the producer clock and must not be
// trusted for server-side ordering; ReceivedAt (gateway clock) or store
// insertion order is the only ordering guarantee.
type Envelope struct {
	EventID       string          `json:"event_id"`
	SourceApp     string          `json:"source_app"`
	MachineID     string          `json:"machine_id,omitempty"`
	SessionID     string          `json:"session_id"`
	AgentID       string          `json:"agent_id"`
	AgentKind     AgentKind       `json:"agent_kind,omitempty"`
	AgentName     string          `json:"agent_name,omitempty"`
	ParentAgentID string          `json:"parent_agent_id,omitempty"`
	EventKind     string          `json:"event_kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ReceivedAt    time.Time       `json:"received_at,omitempty"`
}

// New builds an envelope with a fresh event ID, the producer clock stamped,
// and local defaults applied.
func New(sourceApp, sessionID, agentID, eventKind string, payload json.RawMessage) Envelope {
	env := Envelope{
		EventID:    uuid.NewString(),
		SourceApp:  sourceApp,
		SessionID:  sessionID,
		AgentID:    agentID,
		EventKind:  eventKind,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	env.ApplyDefaults()
	return env
}

// ValidationError reports a permanently rejectable envelope. Producers must
// not retry it; it signals a producer bug, not a transient failure.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope: missing required field %q", e.Field)
}

// Validate checks the required identity fields. Missing or empty required
// fields make the envelope permanently rejectable.
func (e *Envelope) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"event_id", e.EventID},
		{"source_app", e.SourceApp},
		{"session_id", e.SessionID},
		{"agent_id", e.AgentID},
		{"event_kind", e.EventKind},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Field: f.name}
		}
	}
	return nil
}

// ApplyDefaults fills the forgiving fields: unrecognized or missing
// agent_kind and machine_id get documented defaults rather than a rejection.
// A missing parent_agent_id stays absent ("not known to have a parent").
func (e *Envelope) ApplyDefaults() {
	if e.AgentKind == "" {
		e.AgentKind = AgentKindMain
	}
	if e.MachineID == "" {
		e.MachineID = LocalMachineID()
	}
	if e.Payload == nil {
		e.Payload = json.RawMessage("{}")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
}

// LocalMachineID resolves the local machine identifier (hostname).
func LocalMachineID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return DefaultMachineID
	}
	return host
}
