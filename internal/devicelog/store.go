// SPDX-License-Identifier: MIT

package devicelog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// DefaultQueryLimit is Query's default page size, matching
// original_source/app/device_logger.py's get_device_logs(limit=100).
const DefaultQueryLimit = 100

// Entry is one row of the device_log table (spec §6), matching
// original_source/app/device_logger.py's DeviceLog model. Category is
// one of TCP/FTP/POLL/COMMAND/STATE/SYNC/GENERAL per §6; Level is one
// of DEBUG/INFO/WARNING/ERROR.
type Entry struct {
	ID        int64     `json:"id"`
	UnitID    string    `json:"unit_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

// QueryFilter narrows Store.Query's results, mirroring
// get_device_logs's level/category/since/limit/offset parameters.
// Zero values mean "no filter" (Level/Category empty, Since zero) or
// "use the default" (Limit <= 0 becomes DefaultQueryLimit).
type QueryFilter struct {
	Level    string
	Category string
	Since    time.Time
	Limit    int
	Offset   int
}

// Stats mirrors get_log_stats's per-device summary: entry count broken
// down by level and category, plus the oldest and newest timestamps.
type Stats struct {
	Total      int            `json:"total"`
	ByLevel    map[string]int `json:"by_level,omitempty"`
	ByCategory map[string]int `json:"by_category,omitempty"`
	Oldest     *time.Time     `json:"oldest,omitempty"`
	Newest     *time.Time     `json:"newest,omitempty"`
}

// Store is the queryable device-log persistence contract, the second
// of device_logger.py's dual outputs (the first is the per-device
// RotatingWriter file log). Record appends one entry; Query and Stats
// let downstream consumers (spec §6's HTTP surface, slmctl) read the
// log back.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Query(ctx context.Context, unitID string, filter QueryFilter) ([]Entry, error)
	Stats(ctx context.Context, unitID string) (Stats, error)
}

// Memory is an in-memory Store.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

// NewMemory creates an empty in-memory device-log store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) Query(_ context.Context, unitID string, filter QueryFilter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterEntries(m.entries, unitID, filter), nil
}

func (m *Memory) Stats(_ context.Context, unitID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return summarize(m.entries, unitID), nil
}

// File is an afero-backed Store persisting entries as a JSON-Lines
// file (one Entry per line) at path, appended to on every Record and
// fully loaded into memory on open — an append-only log, unlike
// internal/status.File's rewrite-on-mutation document, since device
// logs only ever grow and a full rewrite per entry would not scale.
type File struct {
	fs   afero.Fs
	path string
	mem  *Memory
	mu   sync.Mutex
}

// NewFile opens (or creates) a JSON-Lines-backed device log store at
// path on fs.
func NewFile(fs afero.Fs, path string) (*File, error) {
	f := &File{fs: fs, path: path, mem: NewMemory()}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) load() error {
	exists, err := afero.Exists(f.fs, f.path)
	if err != nil {
		return fmt.Errorf("check device log file: %w", err)
	}
	if !exists {
		return nil
	}
	file, err := f.fs.Open(f.path)
	if err != nil {
		return fmt.Errorf("open device log file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var maxID int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode device log entry: %w", err)
		}
		f.mem.entries = append(f.mem.entries, e)
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan device log file: %w", err)
	}
	f.mem.nextID = maxID
	return nil
}

func (f *File) Record(ctx context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.mem.Record(ctx, e); err != nil {
		return err
	}
	recorded := f.mem.entries[len(f.mem.entries)-1]

	dir := filepath.Dir(f.path)
	if dir != "" && dir != "." {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create device log directory: %w", err)
		}
	}
	data, err := json.Marshal(recorded)
	if err != nil {
		return fmt.Errorf("encode device log entry: %w", err)
	}
	data = append(data, '\n')

	file, err := f.fs.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open device log file: %w", err)
	}
	defer file.Close()
	_, err = file.Write(data)
	return err
}

func (f *File) Query(ctx context.Context, unitID string, filter QueryFilter) ([]Entry, error) {
	return f.mem.Query(ctx, unitID, filter)
}

func (f *File) Stats(ctx context.Context, unitID string) (Stats, error) {
	return f.mem.Stats(ctx, unitID)
}

func filterEntries(entries []Entry, unitID string, filter QueryFilter) []Entry {
	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.UnitID != unitID {
			continue
		}
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []Entry{}
	}
	matched = matched[offset:]

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched
}

func summarize(entries []Entry, unitID string) Stats {
	var stats Stats
	for _, e := range entries {
		if e.UnitID != unitID {
			continue
		}
		stats.Total++
		if stats.ByLevel == nil {
			stats.ByLevel = make(map[string]int)
		}
		stats.ByLevel[e.Level]++
		if stats.ByCategory == nil {
			stats.ByCategory = make(map[string]int)
		}
		stats.ByCategory[e.Category]++

		t := e.Timestamp
		if stats.Oldest == nil || t.Before(*stats.Oldest) {
			stats.Oldest = &t
		}
		if stats.Newest == nil || t.After(*stats.Newest) {
			stats.Newest = &t
		}
	}
	return stats
}
