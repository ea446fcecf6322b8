package notifeed

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileLedgerSnapshot struct {
	Slots map[string]json.RawMessage `json:"slots"`
}

// JSONFileLedgerBackend persists ledger slots to a single JSON file,
// written atomically so a crash mid-save never leaves a torn snapshot.
type JSONFileLedgerBackend struct {
	Path string

	mu sync.Mutex
}

func NewJSONFileLedgerBackend(path string) *JSONFileLedgerBackend {
	return &JSONFileLedgerBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileLedgerBackend) Load() (map[string]json.RawMessage, error) {
	if b == nil || b.Path == "" {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	var snapshot fileLedgerSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Slots == nil {
		snapshot.Slots = map[string]json.RawMessage{}
	}
	return snapshot.Slots, nil
}

func (b *JSONFileLedgerBackend) Save(slots map[string]json.RawMessage) error {
	if b == nil || b.Path == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := json.Marshal(fileLedgerSnapshot{Slots: slots})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

// InMemoryLedgerBackend holds slots in memory. Used by tests and by
// sessions that opt out of durability.
type InMemoryLedgerBackend struct {
	mu    sync.Mutex
	slots map[string]json.RawMessage
}

func NewInMemoryLedgerBackend() *InMemoryLedgerBackend {
	return &InMemoryLedgerBackend{}
}

func (b *InMemoryLedgerBackend) Load() (map[string]json.RawMessage, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]json.RawMessage, len(b.slots))
	for key, value := range b.slots {
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out, nil
}

func (b *InMemoryLedgerBackend) Save(slots map[string]json.RawMessage) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := make(map[string]json.RawMessage, len(slots))
	for key, value := range slots {
		clone[key] = append(json.RawMessage(nil), value...)
	}
	b.slots = clone
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
