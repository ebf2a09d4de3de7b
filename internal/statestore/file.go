package statestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "pushbridge/pkg/logx"
)

// fileBackend keeps state in memory and persists it as:
//   - <prefix>.state.snapshot.json (periodic snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal since the last snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and on Compact().
type fileBackend struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	data         map[string]Record

	writes       int
	compactEvery int
}

type journalRecord struct {
	Path string `json:"path"`
	Record
}

func openFile(cfg Config, log logx.Logger) (*fileBackend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	data := map[string]Record{}
	if err := loadSnapshot(snapPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileBackend{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		data:         data,
		compactEvery: 1000,
	}, nil
}

func (f *fileBackend) Get(_ context.Context, path string) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[path]
	return rec, ok, nil
}

func (f *fileBackend) Put(_ context.Context, path string, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return errors.New("state journal closed")
	}
	if err := json.NewEncoder(f.journal).Encode(journalRecord{Path: path, Record: rec}); err != nil {
		return err
	}
	f.data[path] = rec
	f.writes++
	if f.writes%f.compactEvery == 0 {
		if err := f.compactLocked(); err != nil {
			f.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (f *fileBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	pfx := prefix + "."
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, 16)
	for k := range f.data {
		if strings.HasPrefix(k, pfx) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Compact rewrites the snapshot and truncates the journal.
func (f *fileBackend) Compact(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compactLocked()
}

func (f *fileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return nil
	}
	cerr := f.compactLocked()
	err := f.journal.Close()
	f.journal = nil
	if err != nil {
		return err
	}
	return cerr
}

func (f *fileBackend) compactLocked() error {
	if f.journal == nil {
		return nil
	}
	tmp := f.snapshotPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(f.data); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.snapshotPath); err != nil {
		return err
	}
	if err := f.journal.Truncate(0); err != nil {
		return err
	}
	_, err = f.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Record) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	var m map[string]Record
	if err := json.NewDecoder(fh).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Record) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Path == "" {
			continue
		}
		out[r.Path] = r.Record
	}
	return sc.Err()
}
