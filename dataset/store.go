package dataset

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
)

// Summary describes a registered dataset for the control surface.
type Summary struct {
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
	Active  bool   `json:"active"`
}

// Store is the name-keyed collection of immutable datasets plus the
// process-wide active-dataset pointer. Each registered dataset
// corresponds to one durable CSV file in the data directory.
//
// Activation requests are delivered to the streaming engine through a
// single-slot channel: a burst of rapid activations coalesces to "swap
// to the most recently requested dataset".
type Store struct {
	dir        string
	timeColumn string
	logger     *slog.Logger

	mu       sync.RWMutex
	datasets map[string]*Dataset
	reserved map[string]struct{}
	active   string

	swaps chan string
}

// NewStore creates a Store backed by dir, creating the directory if
// needed.
func NewStore(dir, timeColumn string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "NewStore", "data directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Store", "NewStore", "create data directory "+dir)
	}
	if logger == nil {
		logger = slog.Default().With("component", "dataset-store")
	}
	return &Store{
		dir:        dir,
		timeColumn: timeColumn,
		logger:     logger,
		datasets:   make(map[string]*Dataset),
		reserved:   make(map[string]struct{}),
		swaps:      make(chan string, 1),
	}, nil
}

// LoadDir pre-seeds the store with every CSV file already present in
// the data directory. Files that fail validation are skipped with a
// warning; a bad file on disk must not prevent startup.
func (s *Store) LoadDir() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "Store", "LoadDir", "read data directory "+s.dir)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			s.logger.Warn("skipping unreadable dataset file", "file", entry.Name(), "error", err)
			continue
		}
		ds, err := Parse(entry.Name(), f, s.timeColumn)
		_ = f.Close()
		if err != nil {
			s.logger.Warn("skipping invalid dataset file", "file", entry.Name(), "error", err)
			continue
		}

		s.mu.Lock()
		s.datasets[ds.Name] = ds
		s.mu.Unlock()
		s.logger.Info("dataset loaded", "name", ds.Name, "rows", len(ds.Rows), "columns", len(ds.Columns))
	}
	return nil
}

// Register validates and loads a new dataset from r, persisting the raw
// CSV to the data directory. If name collides with an existing dataset
// the new one is stored under a timestamp-suffixed name — existing
// datasets are never mutated.
func (s *Store) Register(name string, r io.Reader) (*Dataset, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return nil, errors.WrapInvalid(errors.ErrNotCSV, "Store", "Register", "empty dataset name")
	}
	if !strings.EqualFold(filepath.Ext(base), ".csv") {
		return nil, errors.WrapInvalid(errors.ErrNotCSV, "Store", "Register", fmt.Sprintf("file %q", base))
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "Register", "read upload "+base)
	}

	// Reserve the key before releasing the lock: concurrent uploads of
	// the same filename must not resolve to the same name and replace
	// each other.
	s.mu.Lock()
	key := s.uniqueNameLocked(base)
	s.reserved[key] = struct{}{}
	s.mu.Unlock()

	ds, err := Parse(key, bytes.NewReader(raw), s.timeColumn)
	if err != nil {
		s.release(key)
		return nil, err
	}

	path := filepath.Join(s.dir, key)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		s.release(key)
		return nil, errors.Wrap(err, "Store", "Register", "persist dataset "+key)
	}

	s.mu.Lock()
	delete(s.reserved, key)
	s.datasets[key] = ds
	s.mu.Unlock()

	s.logger.Info("dataset registered", "name", key, "rows", len(ds.Rows), "columns", len(ds.Columns))
	return ds, nil
}

// uniqueNameLocked returns base, or a timestamp-suffixed variant when
// base is already registered or reserved by an in-flight registration.
// Caller holds s.mu.
func (s *Store) uniqueNameLocked(base string) string {
	if !s.takenLocked(base) {
		return base
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stamp := time.Now().UTC().Format("20060102-150405")
	candidate := fmt.Sprintf("%s_%s.csv", stem, stamp)
	for i := 1; ; i++ {
		if !s.takenLocked(candidate) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%s-%d.csv", stem, stamp, i)
	}
}

func (s *Store) takenLocked(name string) bool {
	if _, exists := s.datasets[name]; exists {
		return true
	}
	_, exists := s.reserved[name]
	return exists
}

// release frees a reserved key after a failed registration.
func (s *Store) release(key string) {
	s.mu.Lock()
	delete(s.reserved, key)
	s.mu.Unlock()
}

// Activate atomically updates the active-dataset pointer and signals a
// pending swap to the streaming engine. Activating the already-active
// dataset still signals: the engine recognizes the no-op and preserves
// the playback cursor.
func (s *Store) Activate(name string) error {
	s.mu.Lock()
	if _, ok := s.datasets[name]; !ok {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrDatasetNotFound, "Store", "Activate", fmt.Sprintf("dataset %q", name))
	}
	s.active = name

	// Coalesce: drop any pending request, then park the newest one.
	// The slot never blocks, so a burst of activations settles on the
	// most recently requested dataset.
	select {
	case <-s.swaps:
	default:
	}
	select {
	case s.swaps <- name:
	default:
	}
	s.mu.Unlock()

	s.logger.Info("dataset activated", "name", name)
	return nil
}

// Swaps exposes the pending-swap channel consumed by the streaming
// engine. At most one request is parked at a time.
func (s *Store) Swaps() <-chan string {
	return s.swaps
}

// Active returns the active dataset, if any.
func (s *Store) Active() (*Dataset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.datasets[s.active]
	return ds, ok
}

// ActiveName returns the name of the active dataset ("" when none).
func (s *Store) ActiveName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Get returns a dataset by name.
func (s *Store) Get(name string) (*Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.datasets[name]
	if !ok {
		return nil, errors.Wrap(errors.ErrDatasetNotFound, "Store", "Get", fmt.Sprintf("dataset %q", name))
	}
	return ds, nil
}

// List returns a name-sorted summary of all datasets. Requires no
// coordination with the engine: datasets are immutable once registered.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.datasets))
	for name, ds := range s.datasets {
		out = append(out, Summary{
			Name:    name,
			Rows:    len(ds.Rows),
			Columns: len(ds.Columns),
			Active:  name == s.active,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Preview returns the header and up to maxRows leading rows of a
// dataset. Read-only; never affects playback state.
func (s *Store) Preview(name string, maxRows int) ([]string, []Row, error) {
	ds, err := s.Get(name)
	if err != nil {
		return nil, nil, err
	}
	if maxRows < 0 {
		maxRows = 0
	}
	if maxRows > len(ds.Rows) {
		maxRows = len(ds.Rows)
	}
	return ds.Columns, ds.Rows[:maxRows], nil
}
