package options

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultOptionName is the backend key holding every installation's options.
const DefaultOptionName = "seatkeeper_software_data"

const lastUpdatedKey = "last-updated"

// bag is the persisted document: installation scope -> option key -> JSON value.
// The top-level "last-updated" entry is a timestamp string, not a scope.
type bag map[string]json.RawMessage

// Store reads and writes options for one installation scope. Writes are
// buffered in memory and persisted by a single Flush, so values set together
// (such as a license record and its signature) reach the backend together.
type Store struct {
	mu         sync.Mutex
	backend    Backend
	optionName string
	scope      string
	logger     zerolog.Logger

	loaded  bool
	data    bag
	options map[string]json.RawMessage
	dirty   bool
	now     func() time.Time
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Backend    Backend
	OptionName string
	// Scope is the installation hash the options are filed under.
	Scope  string
	Logger zerolog.Logger
}

// NewStore creates a Store. Options are loaded lazily on first access.
func NewStore(cfg StoreConfig) *Store {
	name := cfg.OptionName
	if name == "" {
		name = DefaultOptionName
	}
	return &Store{
		backend:    cfg.Backend,
		optionName: name,
		scope:      cfg.Scope,
		logger:     cfg.Logger.With().Str("component", "option_store").Str("scope", cfg.Scope).Logger(),
		now:        time.Now,
	}
}

// Open creates a Store and loads its options immediately.
func Open(ctx context.Context, cfg StoreConfig) (*Store, error) {
	s := NewStore(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Scope returns the installation scope of the store.
func (s *Store) Scope() string {
	return s.scope
}

func (s *Store) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	raw, err := s.backend.Get(ctx, s.optionName)
	if err != nil {
		return fmt.Errorf("load options: %w", err)
	}

	s.data = bag{}
	s.options = map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			// a corrupt bag is treated like a first run
			s.logger.Warn().Err(err).Msg("discarding unreadable option data")
			s.data = bag{}
		}
	}
	if scoped, ok := s.data[s.scope]; ok {
		if err := json.Unmarshal(scoped, &s.options); err != nil {
			s.logger.Warn().Err(err).Msg("discarding unreadable scoped options")
			s.options = map[string]json.RawMessage{}
		}
	}

	s.loaded = true
	s.dirty = false
	return nil
}

// Get decodes the option stored under key into dst. It reports false when
// the option is absent or cannot be decoded into dst.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return false, err
	}
	raw, ok := s.options[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("option has unexpected shape")
		return false, nil
	}
	return true, nil
}

// GetRaw returns the raw JSON stored under key.
func (s *Store) GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, false, err
	}
	raw, ok := s.options[key]
	return raw, ok, nil
}

// Set buffers value under key and marks the store dirty.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, map[string]any{key: value})
}

// SetMany buffers several values in one step.
func (s *Store) SetMany(ctx context.Context, values map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal option %s: %w", k, err)
		}
		encoded[k] = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	for k, raw := range encoded {
		s.options[k] = raw
	}
	s.dirty = true
	return nil
}

// Delete removes key and marks the store dirty.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	if _, ok := s.options[key]; ok {
		delete(s.options, key)
		s.dirty = true
	}
	return nil
}

// IsDirty reports whether buffered writes are waiting for Flush.
func (s *Store) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Flush persists buffered writes in a single backend write. It is a no-op
// when nothing changed.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	// re-read so other installations sharing the bag are not clobbered
	current := bag{}
	raw, err := s.backend.Get(ctx, s.optionName)
	if err != nil {
		return fmt.Errorf("load options: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			current = bag{}
		}
	}

	scoped, err := json.Marshal(s.options)
	if err != nil {
		return fmt.Errorf("marshal scoped options: %w", err)
	}
	current[s.scope] = scoped
	stamp, _ := json.Marshal(s.now().UTC().Format("2006-01-02 15:04:05"))
	current[lastUpdatedKey] = stamp

	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	if err := s.backend.Put(ctx, s.optionName, data); err != nil {
		return fmt.Errorf("save options: %w", err)
	}

	s.data = current
	s.dirty = false
	s.logger.Debug().Int("keys", len(s.options)).Msg("options flushed")
	return nil
}

// Reload drops the in-memory copy, discarding unflushed writes. The next
// access re-reads the backend.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.dirty = false
	return s.load(ctx)
}

func (s *Store) transientKey(name string) string {
	return "_transient_" + s.scope + "_" + name
}

// SetTransient stores an expiring value directly in the backend.
func (s *Store) SetTransient(ctx context.Context, name, value string, ttl time.Duration) error {
	if err := s.backend.PutTTL(ctx, s.transientKey(name), []byte(value), ttl); err != nil {
		return fmt.Errorf("set transient %s: %w", name, err)
	}
	return nil
}

// Transient returns an unexpired transient value.
func (s *Store) Transient(ctx context.Context, name string) (string, bool, error) {
	raw, err := s.backend.Get(ctx, s.transientKey(name))
	if err != nil {
		return "", false, fmt.Errorf("get transient %s: %w", name, err)
	}
	if raw == nil {
		return "", false, nil
	}
	return string(raw), true, nil
}

// DeleteTransient removes a transient.
func (s *Store) DeleteTransient(ctx context.Context, name string) error {
	if err := s.backend.Delete(ctx, s.transientKey(name)); err != nil {
		return fmt.Errorf("delete transient %s: %w", name, err)
	}
	return nil
}
