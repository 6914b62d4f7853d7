package keystore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ruteri/secure-model-distribution/interfaces"
)

// FileKeystore stores one JSON record per key under a base directory.
// Rotation events are appended to one JSON-lines file per model.
type FileKeystore struct {
	mu      sync.RWMutex
	baseDir string
	sealer  *Sealer
	log     *slog.Logger
}

// NewFileKeystore creates the directory layout if it doesn't exist.
func NewFileKeystore(baseDir string, sealer *Sealer, log *slog.Logger) (*FileKeystore, error) {
	for _, dir := range []string{filepath.Join(baseDir, "keys"), filepath.Join(baseDir, "events")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create keystore directory: %w", err)
		}
	}

	if sealer == nil {
		log.Warn("File keystore has no master key, key material is stored unsealed", slog.String("path", baseDir))
	}

	return &FileKeystore{
		baseDir: baseDir,
		sealer:  sealer,
		log:     log,
	}, nil
}

func (f *FileKeystore) Get(ctx context.Context, keyID string) (*interfaces.ManagedKey, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.keyPath(keyID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.NewKeyError(keyID, interfaces.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return f.sealer.decode(data)
}

func (f *FileKeystore) Put(ctx context.Context, key *interfaces.ManagedKey) error {
	data, err := f.sealer.encode(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Write to a temp file and rename so readers never see a partial record.
	path := f.keyPath(key.KeyID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace key file: %w", err)
	}

	f.log.Debug("Stored key record", slog.String("key_id", key.KeyID), slog.String("path", path))
	return nil
}

func (f *FileKeystore) Delete(ctx context.Context, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.overwrite(keyID); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(f.keyPath(keyID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

func (f *FileKeystore) List(ctx context.Context, modelID string) ([]*interfaces.ManagedKey, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(f.baseDir, "keys"))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]*interfaces.ManagedKey, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.baseDir, "keys", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		key, err := f.sealer.decode(data)
		if err != nil {
			return nil, err
		}
		if modelID == "" || key.Metadata.ModelID == modelID {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

// Wipe overwrites the material inside the existing file before replacing the record.
func (f *FileKeystore) Wipe(ctx context.Context, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.overwrite(keyID)
	if errors.Is(err, os.ErrNotExist) {
		return interfaces.NewKeyError(keyID, interfaces.ErrKeyNotFound)
	}
	if err != nil {
		return err
	}

	data, err := os.ReadFile(f.keyPath(keyID))
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}
	empty, err := f.sealer.emptyRecord(data)
	if err != nil {
		return err
	}
	return os.WriteFile(f.keyPath(keyID), empty, 0600)
}

// overwrite replaces the material bytes of a key file with zeros of the same
// length, writing through the existing inode.
func (f *FileKeystore) overwrite(keyID string) error {
	path := f.keyPath(keyID)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	wiped, err := f.sealer.wipedRecord(data)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteAt(wiped, 0); err != nil {
		return fmt.Errorf("failed to overwrite key file: %w", err)
	}
	if err := file.Truncate(int64(len(wiped))); err != nil {
		return fmt.Errorf("failed to truncate key file: %w", err)
	}
	return file.Sync()
}

func (f *FileKeystore) AppendEvent(ctx context.Context, event interfaces.KeyRotationEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode rotation event: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.eventsPath(event.ModelID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open events file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append rotation event: %w", err)
	}
	return nil
}

func (f *FileKeystore) Events(ctx context.Context, modelID string) ([]interfaces.KeyRotationEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.eventsPath(modelID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}

	var events []interfaces.KeyRotationEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var event interfaces.KeyRotationEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("failed to decode rotation event: %w", err)
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

func (f *FileKeystore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(f.baseDir))
}

func (f *FileKeystore) keyPath(keyID string) string {
	return filepath.Join(f.baseDir, "keys", filepath.Base(keyID)+".json")
}

func (f *FileKeystore) eventsPath(modelID string) string {
	return filepath.Join(f.baseDir, "events", hex.EncodeToString([]byte(modelID))+".jsonl")
}
