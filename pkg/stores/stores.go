// Package stores implements the typed POL/ID/CAPS trusted key/value
// stores. Writes are gated through the boundary router's AssertMayWrite
// check; reads are unrestricted within the process. An in-memory map is
// the store of record; an optional SQLite-backed mirror lets a restarted
// runtime recover trusted-store state.
package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/latentfields/openclaw/pkg/boundary"
	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

// Store is one typed key/value mapping for a single trusted-store
// payload type (POL, ID, or CAPS).
type Store struct {
	mu          sync.RWMutex
	payloadType types.PayloadType
	router      *boundary.Router
	values      map[string]interface{}
	db          *sql.DB
}

// New constructs an in-memory Store gated by router for the given
// trusted-store payload type.
func New(payloadType types.PayloadType, router *boundary.Router) *Store {
	return &Store{
		payloadType: payloadType,
		router:      router,
		values:      make(map[string]interface{}),
	}
}

// WithSQLite attaches a SQLite-backed mirror to the store, creating the
// table if needed and loading any existing rows into memory.
func (s *Store) WithSQLite(db *sql.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.db = db
	if err := s.migrate(); err != nil {
		return err
	}
	return s.loadLocked()
}

func (s *Store) migrate() error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trusted_store_%s (
		key TEXT PRIMARY KEY,
		value JSON NOT NULL
	)`, tableSuffix(s.payloadType))
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return rterr.Wrap(rterr.CodeTrustedStore, "failed to migrate trusted store table", err)
	}
	return nil
}

func (s *Store) loadLocked() error {
	query := fmt.Sprintf(`SELECT key, value FROM trusted_store_%s`, tableSuffix(s.payloadType))
	rows, err := s.db.QueryContext(context.Background(), query)
	if err != nil {
		return rterr.Wrap(rterr.CodeTrustedStore, "failed to load trusted store", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, rawValue string
		if err := rows.Scan(&key, &rawValue); err != nil {
			return rterr.Wrap(rterr.CodeTrustedStore, "failed to scan trusted store row", err)
		}
		var value interface{}
		if err := json.Unmarshal([]byte(rawValue), &value); err != nil {
			return rterr.Wrap(rterr.CodeTrustedStore, "failed to decode trusted store value", err)
		}
		s.values[key] = value
	}
	return rows.Err()
}

func tableSuffix(pt types.PayloadType) string {
	switch pt {
	case types.PayloadPOL:
		return "pol"
	case types.PayloadID:
		return "id"
	case types.PayloadCAPS:
		return "caps"
	default:
		return "other"
	}
}

// Write sets key to value, after asserting the writer's source class may
// write this store's payload type. Violations raise a trusted-store
// error and leave the store unmodified.
func (s *Store) Write(sourceClass types.SourceClass, key string, value interface{}) error {
	if err := s.router.AssertMayWrite(sourceClass, s.payloadType); err != nil {
		return rterr.Wrap(rterr.CodeTrustedStore, "trusted store write denied", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value

	if s.db != nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			return rterr.Wrap(rterr.CodeTrustedStore, "failed to encode value for persistence", err)
		}
		query := fmt.Sprintf(`INSERT INTO trusted_store_%s (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, tableSuffix(s.payloadType))
		if _, err := s.db.ExecContext(context.Background(), query, key, string(encoded)); err != nil {
			return rterr.Wrap(rterr.CodeTrustedStore, "failed to persist trusted store write", err)
		}
	}

	return nil
}

// Read returns the value stored at key, and whether it was present.
// Reads are unrestricted within the process.
func (s *Store) Read(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of keys currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// TrustedStores bundles the three typed stores the runtime owns.
type TrustedStores struct {
	Policy       *Store
	Identity     *Store
	Capabilities *Store
}

// NewTrustedStores constructs the POL/ID/CAPS triad, all gated by the
// same router.
func NewTrustedStores(router *boundary.Router) *TrustedStores {
	return &TrustedStores{
		Policy:       New(types.PayloadPOL, router),
		Identity:     New(types.PayloadID, router),
		Capabilities: New(types.PayloadCAPS, router),
	}
}
