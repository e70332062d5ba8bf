package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pysugar/codex-nexus/internal/errs"
	"github.com/pysugar/codex-nexus/internal/logging"
)

// writeMu serializes every durable mutation process-wide. Writers queue in
// arrival order; readers never take it and rely on atomic rename visibility.
var writeMu chanMutex = make(chan struct{}, 1)

// chanMutex is a channel-based mutex so waiters are served FIFO.
type chanMutex chan struct{}

func (m chanMutex) Lock()   { m <- struct{}{} }
func (m chanMutex) Unlock() { <-m }

// Store owns one on-disk pool file.
type Store struct {
	path        string
	families    []string
	maxAccounts int
	nowMs       func() int64
	log         *logging.Logger
	writeFn     func(name string, data []byte, perm os.FileMode) error
}

// New creates a store for the given resolved path.
func New(path string, families []string) *Store {
	return &Store{
		path:        path,
		families:    families,
		maxAccounts: DefaultMaxAccounts,
		nowMs:       func() int64 { return time.Now().UnixMilli() },
		log:         logging.New("storage"),
		writeFn:     os.WriteFile,
	}
}

// WithMaxAccounts overrides the pool cap.
func (s *Store) WithMaxAccounts(n int) *Store {
	if n > 0 {
		s.maxAccounts = n
	}
	return s
}

// MaxAccounts returns the pool cap in effect.
func (s *Store) MaxAccounts() int { return s.maxAccounts }

// WithNow overrides the clock, for tests.
func (s *Store) WithNow(nowMs func() int64) *Store {
	s.nowMs = nowMs
	return s
}

// Path returns the resolved storage file path.
func (s *Store) Path() string { return s.path }

// Load reads and normalizes the pool. A missing file, malformed JSON or an
// invalid shape yields nil with warnings logged; the process never crashes on
// bad storage. A v1 file is migrated and re-saved; a failed re-save is logged
// and not propagated.
func (s *Store) Load() *Storage {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read storage file", map[string]any{"path": s.path, "error": err.Error()})
		}
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("storage file is not valid JSON", map[string]any{"path": s.path, "error": err.Error()})
		return nil
	}
	version := -1
	if obj, ok := raw.(map[string]any); ok {
		version = intFromAny(obj["version"], -1)
	}
	pool, warnings, ok := Normalize(raw, NormalizeOptions{NowMs: s.nowMs(), Families: s.families})
	for _, w := range warnings {
		s.log.Warn("storage normalization: " + w)
	}
	if !ok {
		return nil
	}
	if version == 1 {
		s.log.Info("migrated storage v1 to v3", map[string]any{"accounts": len(pool.Accounts)})
		if err := s.Save(pool); err != nil {
			s.log.Warn("failed to re-save migrated storage", map[string]any{"error": err.Error()})
		}
	}
	return pool
}

// Save writes the pool atomically: temp file, size verification, rename.
// All saves are strictly serialized by the process-wide write mutex.
func (s *Store) Save(pool *Storage) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return s.writeFile(s.path, pool, true)
}

func (s *Store) writeFile(path string, pool *Storage, gitignore bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.NewStorageError("failed to create storage directory", dir, err)
	}
	if gitignore {
		ensureGitignored(dir)
	}

	data, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return errs.NewStorageError("failed to serialize pool", path, err)
	}

	tmp := fmt.Sprintf("%s.%d.tmp", path, s.nowMs())
	if err := s.writeFn(tmp, data, 0o600); err != nil {
		os.Remove(tmp)
		return errs.NewStorageError("failed to write temp file", path, err)
	}
	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		os.Remove(tmp)
		return errs.NewEmptyWriteError(path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.NewStorageError("failed to replace storage file", path, err)
	}
	return nil
}

// Clear deletes the storage file. A missing file is not an error.
func (s *Store) Clear() error {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errs.NewStorageError("failed to delete storage file", s.path, err)
	}
	return nil
}

// Export writes the current pool to an external path with mode 0600.
// It refuses to overwrite unless force is set and refuses an empty pool.
func (s *Store) Export(path string, force bool) error {
	pool := s.Load()
	if pool == nil || len(pool.Accounts) == 0 {
		return &errs.ValidationError{Message: "no accounts to export"}
	}
	target, err := ExpandPath(path)
	if err != nil {
		return errs.NewStorageError("failed to resolve export path", path, err)
	}
	if err := CheckPathAllowed(target); err != nil {
		return err
	}
	if !force {
		if _, err := os.Stat(target); err == nil {
			return &errs.ValidationError{
				Message: fmt.Sprintf("file already exists: %s (use --force to overwrite)", target),
			}
		}
	}
	return s.writeFile(target, pool, false)
}

// Import merges accounts from an external file into the pool: new accounts
// are appended, then the normal dedup pass runs. The current active indexes
// are preserved by key.
func (s *Store) Import(path string) (*ImportResult, error) {
	target, err := ExpandPath(path)
	if err != nil {
		return nil, errs.NewStorageError("failed to resolve import path", path, err)
	}
	if err := CheckPathAllowed(target); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, errs.NewStorageError("failed to read import file", target, err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &errs.ValidationError{Message: "import file is not valid JSON"}
	}
	incoming, _, ok := Normalize(raw, NormalizeOptions{NowMs: s.nowMs(), Families: s.families})
	if !ok {
		return nil, &errs.ValidationError{Message: "import file is not a recognized account storage"}
	}

	current := s.Load()
	if current == nil {
		current = &Storage{Version: SchemaVersion, ActiveIndexByFamily: map[string]int{}}
	}

	seen := make(map[string]bool, len(current.Accounts))
	emails := make(map[string]bool, len(current.Accounts))
	for _, acc := range current.Accounts {
		seen[acc.Key()] = true
		if e := strings.TrimSpace(acc.Email); e != "" {
			emails[e] = true
		}
	}

	result := &ImportResult{}
	merged := *current
	for _, acc := range incoming.Accounts {
		email := strings.TrimSpace(acc.Email)
		if seen[acc.Key()] || (email != "" && emails[email]) {
			result.Skipped++
			continue
		}
		merged.Accounts = append(merged.Accounts, acc)
		seen[acc.Key()] = true
		if email != "" {
			emails[email] = true
		}
		result.Imported++
	}
	if len(merged.Accounts) > s.maxAccounts {
		return nil, &errs.ValidationError{
			Message: fmt.Sprintf("import would exceed the maximum of %d accounts", s.maxAccounts),
		}
	}
	result.Total = len(merged.Accounts)
	if result.Imported > 0 {
		if err := s.Save(&merged); err != nil {
			return nil, err
		}
	}
	return result, nil
}
