package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileName = "delivered.jsonl"

// Delivery records that an attachment was handed to a sink.
type Delivery struct {
	Sink        string    `json:"sink"`
	Hash        string    `json:"hash"`
	Filename    string    `json:"filename"`
	RunID       string    `json:"run_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

func (d Delivery) key() string {
	return Key(d.Sink, d.Hash)
}

type Tracker interface {
	AlreadyDelivered(sink, hash string) bool
	MarkDelivered(d Delivery) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Delivered int
}

// Hash fingerprints attachment content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func Key(sink, hash string) string {
	return sink + ":" + hash
}

type MemoryTracker struct {
	mu        sync.RWMutex
	delivered map[string]Delivery
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{delivered: make(map[string]Delivery)}
}

func (m *MemoryTracker) AlreadyDelivered(sink, hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.delivered[Key(sink, hash)]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkDelivered(d Delivery) error {
	if d.Hash == "" {
		return nil
	}

	m.mu.Lock()
	m.delivered[d.key()] = d
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.delivered)
	m.mu.RUnlock()
	return Snapshot{Delivered: count}
}

// FileTracker persists deliveries as JSON lines so restarts do not re-deliver.
type FileTracker struct {
	*MemoryTracker
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

func NewFileTracker(stateDir string) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, fileName),
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	tracker.file = file
	tracker.writer = bufio.NewWriter(file)

	return tracker, nil
}

// Path returns the JSONL file backing the tracker.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record Delivery
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Hash == "" {
			continue
		}

		f.mu.Lock()
		f.delivered[record.key()] = record
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// MarkDelivered records d in memory and appends it to the state file. The
// record is flushed immediately; deliveries happen at most once per run.
func (f *FileTracker) MarkDelivered(d Delivery) error {
	if d.Hash == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.delivered[d.key()]; exists {
		f.mu.Unlock()
		return nil
	}
	f.delivered[d.key()] = d
	f.mu.Unlock()

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
