// Package idempotency deduplicates retried client commands. A command is
// identified by a content-derived fingerprint; the first execution's result
// is cached and replayed to duplicates for the TTL window, so side effects
// run at most once per fingerprint.
package idempotency

import (
	"fmt"

	"github.com/signetworks/signet/pkg/canonical"
)

// Request is the canonicalized identity of a command. Query and Body are
// normalized through RFC 8785 canonicalization, so semantically identical
// requests produce the same fingerprint regardless of object key order.
type Request struct {
	// Method and Path identify the operation (e.g. "POST",
	// "/envelopes/{id}/sign" or a command name for non-HTTP callers).
	Method string `json:"method"`
	Path   string `json:"path"`
	// Query carries operation parameters outside the body.
	Query map[string]any `json:"query,omitempty"`
	// Body is the command payload.
	Body any `json:"body,omitempty"`
	// Scope isolates fingerprints between tenants or callers so identical
	// payloads from different principals never collide.
	Scope string `json:"scope,omitempty"`
}

// Fingerprint derives the fixed-length digest identifying req.
func Fingerprint(req Request) (string, error) {
	digest, err := canonical.Hash(req)
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprint: %w", err)
	}
	return digest, nil
}
