package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"viralsandbox/internal/model"
)

// MemoryStore keeps encoded records so callers never share state with the
// store.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	catalogs    map[string][]byte
	sessions    map[string][]byte
	summaries   map[string]model.SessionSummary
	history     map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.catalogs = make(map[string][]byte)
	s.sessions = make(map[string][]byte)
	s.summaries = make(map[string]model.SessionSummary)
	s.history = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) ready() error {
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	return nil
}

func (s *MemoryStore) SaveCatalog(_ context.Context, doc model.CatalogDocument) error {
	payload, err := EncodeCatalog(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.catalogs[doc.Name] = payload
	return nil
}

func (s *MemoryStore) GetCatalog(_ context.Context, name string) (model.CatalogDocument, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return model.CatalogDocument{}, false, err
	}
	payload, ok := s.catalogs[name]
	if !ok {
		return model.CatalogDocument{}, false, nil
	}
	doc, err := DecodeCatalog(payload)
	if err != nil {
		return model.CatalogDocument{}, false, fmt.Errorf("decode catalog %s: %w", name, err)
	}
	return doc, true, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, snap model.SessionSnapshot) error {
	payload, err := EncodeSession(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.sessions[snap.ID] = payload
	s.summaries[snap.ID] = Summarize(snap)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (model.SessionSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return model.SessionSnapshot{}, false, err
	}
	payload, ok := s.sessions[id]
	if !ok {
		return model.SessionSnapshot{}, false, nil
	}
	snap, err := DecodeSession(payload)
	if err != nil {
		return model.SessionSnapshot{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return snap, true, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	delete(s.sessions, id)
	delete(s.summaries, id)
	delete(s.history, id)
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]model.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make([]model.SessionSummary, 0, len(s.summaries))
	for _, summary := range s.summaries {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveHistory(_ context.Context, sessionID string, history []model.RoundOutcome) error {
	payload, err := EncodeHistory(history)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.history[sessionID] = payload
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, sessionID string) ([]model.RoundOutcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	payload, ok := s.history[sessionID]
	if !ok {
		return nil, false, nil
	}
	history, err := DecodeHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode history %s: %w", sessionID, err)
	}
	return history, true, nil
}
