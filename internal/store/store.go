// Package store implements TaskDaemon's hybrid indexed/append-only
// persistence layer: an append-only JSONL record file per collection backs
// a secondary-index database used for filtered and indexed reads. It is the
// concrete backing for the black-box Store contract described by the
// specification; every other package talks to it only through statemgr.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/taskdaemon/taskdaemon/internal/model"
)

// Common store errors.
var (
	ErrExists   = fmt.Errorf("store: record already exists")
	ErrNotFound = fmt.Errorf("store: record not found")
)

// Filter is a simple equality or comparison predicate over an indexed
// field, e.g. Filter{Field: "status", Op: OpEq, Value: "running"}.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Op enumerates the comparison operators List honors.
type Op string

const (
	OpEq Op = "="
	OpNE Op = "!="
	OpGT Op = ">"
	OpGE Op = ">="
	OpLT Op = "<"
	OpLE Op = "<="
)

// Collection identifies one of the five JSONL record files.
type Collection string

const (
	CollPlans     Collection = "plans"
	CollSpecs     Collection = "specs"
	CollLoops     Collection = "loops"
	CollIterLogs  Collection = "iteration_logs"
	CollEvents    Collection = "events"
)

// Store is the hybrid append-only/indexed persistence layer. It is safe for
// concurrent use, but TaskDaemon's own design funnels all writes through a
// single statemgr actor so in practice there is exactly one writer.
type Store struct {
	root string
	lock *flock.Flock

	mu    sync.RWMutex
	files map[Collection]*appendLog
	index *indexDB
}

// Open opens (creating if necessary) a hybrid store rooted at dir. Only one
// process may hold the store open at a time; Open makes one non-blocking
// attempt to acquire an advisory file lock and fails if it cannot.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating root %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, "taskstore.db.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: locking %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("store: %s is already locked by another process", dir)
	}

	idx, err := openIndexDB(filepath.Join(dir, "taskstore.db"))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	s := &Store{
		root:  dir,
		lock:  lock,
		files: make(map[Collection]*appendLog),
		index: idx,
	}

	for _, c := range allCollections {
		al, err := openAppendLog(filepath.Join(dir, string(c)+".jsonl"))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.files[c] = al
	}

	if err := s.RebuildAllIndexes(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

var allCollections = []Collection{CollPlans, CollSpecs, CollLoops, CollIterLogs, CollEvents}

// Close releases the store's file handles and advisory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, al := range s.files {
		if err := al.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Create appends rec and indexes it. Fails with ErrExists if the id is
// already present.
func Create[T model.Record](s *Store, coll Collection, rec T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.get(coll, rec.RecordID()); ok {
		return fmt.Errorf("%w: %s/%s", ErrExists, coll, rec.RecordID())
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshaling %s: %w", coll, err)
	}
	if err := s.files[coll].Append(raw); err != nil {
		return err
	}
	return s.index.put(coll, rec.RecordID(), raw)
}

// Get decodes the record with id into out. Returns ErrNotFound if absent.
func Get[T any](s *Store, coll Collection, id string, out *T) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.index.get(coll, id)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id)
	}
	return json.Unmarshal(raw, out)
}

// Update appends rec as a new version and refreshes the index atomically.
// Fails with ErrNotFound if the id is not already present (use Create for
// the first write).
func Update[T model.Record](s *Store, coll Collection, rec T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.get(coll, rec.RecordID()); !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, rec.RecordID())
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshaling %s: %w", coll, err)
	}
	if err := s.files[coll].Append(raw); err != nil {
		return err
	}
	return s.index.put(coll, rec.RecordID(), raw)
}

// Delete removes id from the collection's index. The append-only log is
// left intact (it is the audit trail); rebuilding indexes will not resurrect
// a deleted record because rebuild replays tombstones too.
func Delete(s *Store, coll Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.get(coll, id); !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id)
	}
	if err := s.files[coll].Append(tombstone(id)); err != nil {
		return err
	}
	return s.index.delete(coll, id)
}

// DeleteByIndex deletes every record in coll whose field equals value.
func DeleteByIndex(s *Store, coll Collection, field string, value string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.index.matching(coll, field, value)
	for _, id := range ids {
		if err := s.files[coll].Append(tombstone(id)); err != nil {
			return 0, err
		}
		if err := s.index.delete(coll, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// List decodes every record in coll matching all filters into a slice of T.
func List[T any](s *Store, coll Collection, filters ...Filter) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raws := s.index.all(coll)
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("store: decoding %s: %w", coll, err)
		}
		if matchesAll(raw, filters) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matchesAll(raw []byte, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	for _, f := range filters {
		if !matchesOne(m[f.Field], f) {
			return false
		}
	}
	return true
}

func matchesOne(actual any, f Filter) bool {
	switch f.Op {
	case OpEq, "":
		return fmt.Sprint(actual) == fmt.Sprint(f.Value)
	case OpNE:
		return fmt.Sprint(actual) != fmt.Sprint(f.Value)
	default:
		af, aok := toFloat(actual)
		vf, vok := toFloat(f.Value)
		if !aok || !vok {
			return false
		}
		switch f.Op {
		case OpGT:
			return af > vf
		case OpGE:
			return af >= vf
		case OpLT:
			return af < vf
		case OpLE:
			return af <= vf
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// RebuildAllIndexes rebuilds every collection's index from its append-only
// log. Idempotent: running it twice in a row yields the same index state.
func (s *Store) RebuildAllIndexes() error {
	for _, c := range allCollections {
		if err := s.rebuildOne(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rebuildOne(coll Collection) error {
	if err := s.index.reset(coll); err != nil {
		return err
	}
	lines, err := s.files[coll].ReadAll()
	if err != nil {
		return err
	}
	for _, line := range lines {
		id, tomb, err := peekIDAndTombstone(line)
		if err != nil {
			continue // skip unreadable lines rather than fail the whole rebuild
		}
		if tomb {
			_ = s.index.delete(coll, id)
			continue
		}
		if err := s.index.put(coll, id, line); err != nil {
			return err
		}
	}
	return nil
}

type tombstoneRecord struct {
	Tombstone bool   `json:"__tombstone"`
	ID        string `json:"id"`
}

func tombstone(id string) []byte {
	raw, _ := json.Marshal(tombstoneRecord{Tombstone: true, ID: id})
	return raw
}

func peekIDAndTombstone(line []byte) (string, bool, error) {
	var probe struct {
		ID        string `json:"id"`
		Tombstone bool   `json:"__tombstone"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", false, err
	}
	return probe.ID, probe.Tombstone, nil
}

// appendLog is a single append-only JSONL file.
type appendLog struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func openAppendLog(path string) (*appendLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	return &appendLog{path: path, f: f}, nil
}

func (a *appendLog) Append(raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("store: appending to %s: %w", a.path, err)
	}
	return a.f.Sync()
}

func (a *appendLog) ReadAll() ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", a.path, err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func (a *appendLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}
