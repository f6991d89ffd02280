package outbox

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/signetworks/signet/pkg/contracts"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// eventSchemas maps each event type to its payload schema. Unknown event
// types are rejected at the outbox boundary — payloads are strict tagged
// variants, never free-form.
var eventSchemas = map[string]string{
	contracts.EventEnvelopeCreated:   "envelope_event.json",
	contracts.EventEnvelopeSent:      "envelope_event.json",
	contracts.EventEnvelopeCompleted: "envelope_event.json",
	contracts.EventEnvelopeDeclined:  "envelope_event.json",
	contracts.EventEnvelopeCancelled: "envelope_event.json",
	contracts.EventEnvelopeExpired:   "envelope_event.json",
	contracts.EventPartyAdded:        "party_event.json",
	contracts.EventPartyConsented:    "party_event.json",
	contracts.EventPartySigned:       "party_event.json",
	contracts.EventPartyDeclined:     "party_event.json",
	contracts.EventPartyDelegated:    "delegation_event.json",
	contracts.EventOTPRequested:      "otp_event.json",
	contracts.EventOTPVerified:       "otp_event.json",
}

type schemaRegistry struct {
	compiled map[string]*jsonschema.Schema
}

func newSchemaRegistry() (*schemaRegistry, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	names := map[string]bool{}
	for _, file := range eventSchemas {
		names[file] = true
	}
	for file := range names {
		raw, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("outbox: read schema %s: %w", file, err)
		}
		if err := compiler.AddResource(file, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("outbox: add schema %s: %w", file, err)
		}
	}

	reg := &schemaRegistry{compiled: make(map[string]*jsonschema.Schema, len(eventSchemas))}
	for eventType, file := range eventSchemas {
		sch, err := compiler.Compile(file)
		if err != nil {
			return nil, fmt.Errorf("outbox: compile schema %s: %w", file, err)
		}
		reg.compiled[eventType] = sch
	}
	return reg, nil
}

// validate checks payload bytes against the schema for eventType.
func (r *schemaRegistry) validate(eventType string, payload []byte) error {
	sch, ok := r.compiled[eventType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := sch.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
