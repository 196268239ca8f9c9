package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"viralsandbox/internal/model"
)

// FileStore keeps one JSON document per record under a root directory:
// catalogs/<name>.json, sessions/<id>.json and history/<id>.json.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Init(_ context.Context) error {
	if s.root == "" {
		return errors.New("file store directory is required")
	}
	for _, dir := range []string{"catalogs", "sessions", "history"} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) SaveCatalog(_ context.Context, doc model.CatalogDocument) error {
	payload, err := EncodeCatalog(doc)
	if err != nil {
		return err
	}
	return s.write("catalogs", doc.Name, payload)
}

func (s *FileStore) GetCatalog(_ context.Context, name string) (model.CatalogDocument, bool, error) {
	payload, ok, err := s.read("catalogs", name)
	if err != nil || !ok {
		return model.CatalogDocument{}, false, err
	}
	doc, err := DecodeCatalog(payload)
	if err != nil {
		return model.CatalogDocument{}, false, fmt.Errorf("decode catalog %s: %w", name, err)
	}
	return doc, true, nil
}

func (s *FileStore) SaveSession(_ context.Context, snap model.SessionSnapshot) error {
	payload, err := EncodeSession(snap)
	if err != nil {
		return err
	}
	return s.write("sessions", snap.ID, payload)
}

func (s *FileStore) GetSession(_ context.Context, id string) (model.SessionSnapshot, bool, error) {
	payload, ok, err := s.read("sessions", id)
	if err != nil || !ok {
		return model.SessionSnapshot{}, false, err
	}
	snap, err := DecodeSession(payload)
	if err != nil {
		return model.SessionSnapshot{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return snap, true, nil
}

func (s *FileStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dir := range []string{"sessions", "history"} {
		path, err := s.path(dir, id)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *FileStore) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]model.SessionSummary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		snap, ok, err := s.GetSession(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Summarize(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) SaveHistory(_ context.Context, sessionID string, history []model.RoundOutcome) error {
	payload, err := EncodeHistory(history)
	if err != nil {
		return err
	}
	return s.write("history", sessionID, payload)
}

func (s *FileStore) GetHistory(_ context.Context, sessionID string) ([]model.RoundOutcome, bool, error) {
	payload, ok, err := s.read("history", sessionID)
	if err != nil || !ok {
		return nil, false, err
	}
	history, err := DecodeHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode history %s: %w", sessionID, err)
	}
	return history, true, nil
}

func (s *FileStore) path(dir, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid record id: %q", id)
	}
	return filepath.Join(s.root, dir, id+".json"), nil
}

// write replaces the record through a temp file so readers never see a
// partial document.
func (s *FileStore) write(dir, id string, payload []byte) error {
	path, err := s.path(dir, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) read(dir, id string) ([]byte, bool, error) {
	path, err := s.path(dir, id)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}
