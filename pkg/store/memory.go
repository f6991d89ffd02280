package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/signetworks/signet/pkg/contracts"
)

// MemoryStore is an in-process implementation of all store interfaces, used
// in tests and single-node development. All methods are safe for concurrent
// use; conditional-write semantics match the SQL backends exactly.
type MemoryStore struct {
	mu           sync.RWMutex
	envelopes    map[string]*contracts.Envelope     // tenantID/envelopeID
	parties      map[string]*contracts.Party        // envelopeID/partyID
	outbox       map[string]*contracts.OutboxRecord // id
	auditChains  map[string][]*contracts.AuditRecord
	fingerprints map[string]*contracts.IdempotencyRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		envelopes:    make(map[string]*contracts.Envelope),
		parties:      make(map[string]*contracts.Party),
		outbox:       make(map[string]*contracts.OutboxRecord),
		auditChains:  make(map[string][]*contracts.AuditRecord),
		fingerprints: make(map[string]*contracts.IdempotencyRecord),
	}
}

func envelopeKey(tenantID, envelopeID string) string { return tenantID + "/" + envelopeID }
func partyKey(envelopeID, partyID string) string     { return envelopeID + "/" + partyID }

// clone round-trips through JSON so callers never share memory with the store.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic("store: clone marshal: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic("store: clone unmarshal: " + err.Error())
	}
	return out
}

func (s *MemoryStore) GetEnvelope(ctx context.Context, tenantID, envelopeID string) (*contracts.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envelopes[envelopeKey(tenantID, envelopeID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(env), nil
}

func (s *MemoryStore) CreateEnvelope(ctx context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := envelopeKey(env.TenantID, env.ID)
	if _, exists := s.envelopes[key]; exists {
		return ErrConditionFailed
	}
	stored := clone(env)
	stored.Version = 1
	s.envelopes[key] = stored
	env.Version = 1
	return nil
}

func (s *MemoryStore) UpdateEnvelope(ctx context.Context, env *contracts.Envelope, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := envelopeKey(env.TenantID, env.ID)
	current, ok := s.envelopes[key]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrConditionFailed
	}
	stored := clone(env)
	stored.Version = expectedVersion + 1
	s.envelopes[key] = stored
	env.Version = stored.Version
	return nil
}

func (s *MemoryStore) GetParty(ctx context.Context, envelopeID, partyID string) (*contracts.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties[partyKey(envelopeID, partyID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) CreateParty(ctx context.Context, p *contracts.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partyKey(p.EnvelopeID, p.ID)
	if _, exists := s.parties[key]; exists {
		return ErrConditionFailed
	}
	stored := clone(p)
	stored.Version = 1
	s.parties[key] = stored
	p.Version = 1
	return nil
}

func (s *MemoryStore) UpdateParty(ctx context.Context, p *contracts.Party, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partyKey(p.EnvelopeID, p.ID)
	current, ok := s.parties[key]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrConditionFailed
	}
	stored := clone(p)
	stored.Version = expectedVersion + 1
	s.parties[key] = stored
	p.Version = stored.Version
	return nil
}

func (s *MemoryStore) ListParties(ctx context.Context, envelopeID string) ([]*contracts.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.Party
	for _, p := range s.parties {
		if p.EnvelopeID == envelopeID {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) FindPartyByEmail(ctx context.Context, envelopeID, email string) (*contracts.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *contracts.Party
	for _, p := range s.parties {
		if p.EnvelopeID == envelopeID && strings.EqualFold(p.Email, email) {
			if found == nil || p.ID < found.ID {
				found = p
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return clone(found), nil
}

func (s *MemoryStore) CreateEvent(ctx context.Context, rec *contracts.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outbox[rec.ID]; exists {
		return ErrConditionFailed
	}
	s.outbox[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*contracts.OutboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.outbox[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]*contracts.OutboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.OutboxRecord
	for _, rec := range s.outbox {
		if rec.Status == contracts.OutboxPending || rec.Status == contracts.OutboxFailed {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = contracts.OutboxDispatched
	rec.LastError = ""
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = contracts.OutboxFailed
	rec.Attempts++
	rec.LastError = lastError
	return nil
}

func (s *MemoryStore) ChainHead(ctx context.Context, envelopeID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.auditChains[envelopeID]
	if len(chain) == 0 {
		return "", ErrNotFound
	}
	return chain[len(chain)-1].Hash, nil
}

func (s *MemoryStore) AppendRecord(ctx context.Context, rec *contracts.AuditRecord, expectedHead string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.auditChains[rec.EnvelopeID]
	head := ""
	if len(chain) > 0 {
		head = chain[len(chain)-1].Hash
	}
	if head != expectedHead {
		return ErrConditionFailed
	}
	s.auditChains[rec.EnvelopeID] = append(chain, clone(rec))
	return nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, envelopeID string) ([]*contracts.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.auditChains[envelopeID]
	out := make([]*contracts.AuditRecord, 0, len(chain))
	for _, rec := range chain {
		out = append(out, clone(rec))
	}
	return out, nil
}

func (s *MemoryStore) GetFingerprint(ctx context.Context, fingerprint string) (*contracts.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.fingerprints[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (s *MemoryStore) CreateFingerprint(ctx context.Context, rec *contracts.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.fingerprints[rec.Fingerprint]; exists {
		return ErrConditionFailed
	}
	s.fingerprints[rec.Fingerprint] = clone(rec)
	return nil
}

func (s *MemoryStore) CompleteFingerprint(ctx context.Context, rec *contracts.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints[rec.Fingerprint] = clone(rec)
	return nil
}

func (s *MemoryStore) DeleteFingerprint(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fingerprints, fingerprint)
	return nil
}
