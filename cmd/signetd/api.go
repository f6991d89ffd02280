package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/signetworks/signet/pkg/audit"
	"github.com/signetworks/signet/pkg/workflow"
)

// newMux wires the command endpoints. Every command is a POST with the full
// command document as the body; idempotent resubmission is safe because the
// engine deduplicates on content.
func newMux(engine *workflow.Engine, ledger *audit.Ledger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handle(mux, "POST /v1/commands/create-envelope", engine.CreateEnvelope)
	handle(mux, "POST /v1/commands/add-party", engine.AddParty)
	handle(mux, "POST /v1/commands/send-envelope", engine.SendEnvelope)
	handle(mux, "POST /v1/commands/request-otp", engine.RequestOTP)
	handle(mux, "POST /v1/commands/verify-otp", engine.VerifyOTP)
	handle(mux, "POST /v1/commands/consent", engine.RecordConsent)
	handle(mux, "POST /v1/commands/sign", engine.SignParty)
	handle(mux, "POST /v1/commands/decline", engine.DeclineParty)
	handle(mux, "POST /v1/commands/delegate", engine.DelegateParty)
	handle(mux, "POST /v1/commands/cancel-envelope", engine.CancelEnvelope)
	handle(mux, "POST /v1/commands/expire-envelope", engine.ExpireEnvelope)

	mux.HandleFunc("GET /v1/envelopes/{id}/evidence", func(w http.ResponseWriter, r *http.Request) {
		bundle, err := ledger.ExportBundle(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bundle)
	})

	return mux
}

func handle[C any, R any](mux *http.ServeMux, pattern string, fn func(context.Context, C) (*R, error)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		var cmd C
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			writeError(w, &workflow.Error{Code: workflow.CodeValidation, Message: "malformed request body"})
			return
		}
		res, err := fn(r.Context(), cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var we *workflow.Error
	if !errors.As(err, &we) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch we.Code {
	case workflow.CodeValidation:
		status = http.StatusBadRequest
	case workflow.CodeNotFound:
		status = http.StatusNotFound
	case workflow.CodeStateConflict, workflow.CodeStorageConflict:
		status = http.StatusConflict
	case workflow.CodeRateLimited:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(int(we.RetryAfter.Seconds())))
	case workflow.CodeOTPInvalid:
		status = http.StatusUnprocessableEntity
	case workflow.CodeOTPLocked:
		status = http.StatusLocked
	}
	writeJSON(w, status, we)
}
