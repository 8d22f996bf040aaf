package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/devicelab-dev/simfleet/types"
)

// Journal persists events as an append-only JSON-lines file: one record per
// event, replay order = storage order. Records are never rewritten, so the
// file doubles as an audit trail.
type Journal struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// OpenJournal opens (or creates) the journal at path for appending.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // internal runtime path
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{path: path, f: f}, nil
}

// Append writes one event record and syncs it to disk.
func (j *Journal) Append(ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("write journal %s: %w", j.path, err)
	}
	return j.f.Sync()
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReadJournal loads all events from the journal at path, in storage order.
// A missing file yields an empty slice.
func ReadJournal(path string) ([]types.Event, error) {
	f, err := os.Open(path) //nolint:gosec // internal runtime path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	var events []types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parse journal %s record %d: %w", path, len(events), err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal %s: %w", path, err)
	}
	return events, nil
}

// Load reopens the journal at path for appending and returns a Generator
// seeded with its replayed events. After restart the generator's
// CurrentState matches what it reported before, per the replay invariant.
func Load(path string) (*Generator, error) {
	events, err := ReadJournal(path)
	if err != nil {
		return nil, err
	}
	j, err := OpenJournal(path)
	if err != nil {
		return nil, err
	}
	return NewGeneratorFromEvents(events, j), nil
}
