// Package memstore implements the Memory Store: CRUD over typed memory
// records, STM/LTM layer classification, versioning, and access
// accounting. Grounded on this codebase's metadata-store CRUD shape
// (save/get/delete plus small derived-state bookkeeping), generalized
// from source files/chunks to memory records.
package memstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
)

// Layer is the memory's tier in the STM/LTM lifecycle.
type Layer string

const (
	LayerSTM Layer = "stm"
	LayerLTM Layer = "ltm"
)

// Memory is a single stored memory record.
type Memory struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Layer       Layer          `json:"layer"`
	Tags        []string       `json:"tags,omitempty"`
	Importance  float64        `json:"importance"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	AccessCount int            `json:"access_count"`
	LastAccess  time.Time      `json:"last_access"`
	SessionID   string         `json:"session_id,omitempty"`
	EpisodeID   string         `json:"episode_id,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"` // STM only
}

// classifyLayer applies the documented heuristic: an explicit layerHint
// always wins; otherwise short, session-scoped content starts in STM and
// everything else starts in LTM. Promotion out of STM happens later via
// the consolidation pass, not at classification time.
func classifyLayer(content string, layerHint Layer, sessionID string) Layer {
	if layerHint == LayerSTM || layerHint == LayerLTM {
		return layerHint
	}
	if len(content) < 140 && sessionID != "" {
		return LayerSTM
	}
	return LayerLTM
}

// Store is a kvstore-backed memory repository.
type Store struct {
	kv *kvstore.Store
}

// New wraps kv as a memory store.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

// AddInput describes a new memory to create. ID is optional: callers that
// need to know the id before the anchor transaction commits (e.g. to
// build a coordinator.DerivedUpdate in the same call) can pre-generate
// one; left empty, Add generates it.
type AddInput struct {
	ID         string
	Content    string
	Metadata   map[string]any
	Tags       []string
	Importance float64
	LayerHint  Layer
	SessionID  string
	EpisodeID  string
	ExpiresAt  *time.Time
	// STMTTL defaults ExpiresAt for a memory classified into STM when the
	// caller didn't supply one explicitly; zero means no default expiry.
	STMTTL time.Duration
}

// Add creates a memory record, assigning layer/version/timestamps. The
// caller (the coordinator) is responsible for wrapping this in the
// anchor-commit transaction alongside graph/index writes.
func (s *Store) Add(ctx context.Context, tx *kvstore.Tx, in AddInput) (Memory, error) {
	if strings.TrimSpace(in.Content) == "" {
		return Memory{}, errtax.InvalidInputf("memory content must not be empty")
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := timeNow()
	layer := classifyLayer(in.Content, in.LayerHint, in.SessionID)
	m := Memory{
		ID:         id,
		Content:    in.Content,
		Metadata:   in.Metadata,
		Tags:       in.Tags,
		Importance: in.Importance,
		Layer:      layer,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		SessionID:  in.SessionID,
		EpisodeID:  in.EpisodeID,
	}
	if layer == LayerSTM {
		m.ExpiresAt = in.ExpiresAt
		if m.ExpiresAt == nil && in.STMTTL > 0 {
			exp := now.Add(in.STMTTL)
			m.ExpiresAt = &exp
		}
	}
	if err := s.put(ctx, tx, m); err != nil {
		return Memory{}, err
	}
	return m, nil
}

// Get reads a memory by id and records an access (count + timestamp) as a
// side effect, matching the spec's access-accounting requirement.
func (s *Store) Get(ctx context.Context, id string) (Memory, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return Memory{}, err
	}
	m.AccessCount++
	m.LastAccess = timeNow()
	if err := s.kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		return s.put(ctx, tx, m)
	}); err != nil {
		return Memory{}, err
	}
	return m, nil
}

// Peek reads a memory without updating access accounting.
func (s *Store) Peek(ctx context.Context, id string) (Memory, error) {
	return s.load(ctx, id)
}

// UpdateInput describes a memory field update; nil fields are left
// unchanged.
type UpdateInput struct {
	Content    *string
	Metadata   map[string]any
	Tags       []string
	Importance *float64
	ExpiresAt  *time.Time
}

// Update applies a partial update, bumping Version and refreshing
// UpdatedAt. The layer is never re-classified here; only consolidation
// moves a memory between layers.
func (s *Store) Update(ctx context.Context, tx *kvstore.Tx, id string, in UpdateInput) (Memory, error) {
	m, err := s.loadTx(ctx, tx, id)
	if err != nil {
		return Memory{}, err
	}

	if in.Content != nil {
		m.Content = *in.Content
	}
	if in.Metadata != nil {
		m.Metadata = in.Metadata
	}
	if in.ExpiresAt != nil {
		m.ExpiresAt = in.ExpiresAt
	}
	if in.Tags != nil {
		m.Tags = in.Tags
	}
	if in.Importance != nil {
		m.Importance = *in.Importance
	}
	m.Version++
	m.UpdatedAt = timeNow()

	if err := s.putTx(ctx, tx, m); err != nil {
		return Memory{}, err
	}
	return m, nil
}

// Delete removes a memory. If backup is true, a tombstone snapshot is
// written first so system.restore can recover it later.
func (s *Store) Delete(ctx context.Context, tx *kvstore.Tx, id string, backup bool) error {
	m, err := s.loadTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if backup {
		data, merr := json.Marshal(m)
		if merr != nil {
			return errtax.Wrap(errtax.Internal, merr)
		}
		if err := tx.Put(ctx, kvstore.NSTombstone, id, data); err != nil {
			return err
		}
	}
	return tx.Delete(ctx, kvstore.NSMemory, id)
}

// Restore recreates a memory from its tombstone snapshot.
func (s *Store) Restore(ctx context.Context, tx *kvstore.Tx, id string) (Memory, error) {
	data, err := tx.Get(ctx, kvstore.NSTombstone, id)
	if err != nil {
		return Memory{}, err
	}
	var m Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return Memory{}, errtax.Wrap(errtax.Internal, err)
	}
	if err := s.putTx(ctx, tx, m); err != nil {
		return Memory{}, err
	}
	return m, nil
}

// All iterates every stored memory, for maintenance/consolidation passes.
func (s *Store) All(ctx context.Context, fn func(Memory) error) error {
	return s.kv.Scan(ctx, kvstore.NSMemory, "", func(key string, value []byte) error {
		var m Memory
		if err := json.Unmarshal(value, &m); err != nil {
			return errtax.Wrap(errtax.Internal, err)
		}
		return fn(m)
	})
}

func (s *Store) load(ctx context.Context, id string) (Memory, error) {
	data, err := s.kv.Get(ctx, kvstore.NSMemory, id)
	if err != nil {
		return Memory{}, err
	}
	var m Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return Memory{}, errtax.Wrap(errtax.Internal, err)
	}
	return m, nil
}

func (s *Store) loadTx(ctx context.Context, tx *kvstore.Tx, id string) (Memory, error) {
	data, err := tx.Get(ctx, kvstore.NSMemory, id)
	if err != nil {
		return Memory{}, err
	}
	var m Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return Memory{}, errtax.Wrap(errtax.Internal, err)
	}
	return m, nil
}

func (s *Store) put(ctx context.Context, tx *kvstore.Tx, m Memory) error {
	return s.putTx(ctx, tx, m)
}

func (s *Store) putTx(ctx context.Context, tx *kvstore.Tx, m Memory) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	return tx.Put(ctx, kvstore.NSMemory, m.ID, data)
}

// timeNow is a seam so tests can't accidentally depend on wall-clock
// ordering across fast operations; production always uses time.Now.
var timeNow = time.Now
