// SPDX-License-Identifier: MIT

// Package status is the durable last-known snapshot per device, plus
// reachability/timing metadata (spec C2). Like internal/registry, it is
// specified as an external relational collaborator; Store is the
// contract and Memory/File are concrete, testable homes for it.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"slmgateway/internal/protocol"
)

// DeviceStatus is one row of device_status (spec §3), keyed by UnitID.
// Measurement scalars are kept as strings to avoid precision loss, per
// spec.
type DeviceStatus struct {
	UnitID                 string                    `json:"unit_id"`
	LastSeen               *time.Time                `json:"last_seen,omitempty"`
	MeasurementState       protocol.MeasurementState `json:"measurement_state"`
	MeasurementStartTime   *time.Time                `json:"measurement_start_time,omitempty"`
	Counter                string                    `json:"counter,omitempty"`
	Lp                     string                    `json:"lp,omitempty"`
	Leq                    string                    `json:"leq,omitempty"`
	Lmax                   string                    `json:"lmax,omitempty"`
	Lmin                   string                    `json:"lmin,omitempty"`
	Lpeak                  string                    `json:"lpeak,omitempty"`
	BatteryLevel           string                    `json:"battery_level,omitempty"`
	PowerSource            string                    `json:"power_source,omitempty"`
	SDRemainingMB          string                    `json:"sd_remaining_mb,omitempty"`
	SDFreeRatio            string                    `json:"sd_free_ratio,omitempty"`
	RawPayload             string                    `json:"raw_payload,omitempty"`
	IsReachable            bool                      `json:"is_reachable"`
	ConsecutiveFailures    int                       `json:"consecutive_failures"`
	LastPollAttempt        *time.Time                `json:"last_poll_attempt,omitempty"`
	LastSuccess            *time.Time                `json:"last_success,omitempty"`
	LastError              string                    `json:"last_error,omitempty"`
	StartTimeSyncAttempted bool                      `json:"start_time_sync_attempted"`
}

// MaxLastErrorBytes bounds the last_error field, per spec §4.7.
const MaxLastErrorBytes = 500

// TruncateError truncates msg to MaxLastErrorBytes, per spec's "record
// last_error truncated to 500 bytes".
func TruncateError(msg string) string {
	if len(msg) <= MaxLastErrorBytes {
		return msg
	}
	return msg[:MaxLastErrorBytes]
}

// Store is the Status Store's persistence contract. Mutate applies fn to
// the current row for unitID (creating a zero-value row lazily if absent,
// per spec's "row is lazily created when first snapshot arrives") and
// persists the result atomically: if fn returns an error, no fields
// change, matching spec's "a merge is failure-atomic" rule from C7.
type Store interface {
	Get(ctx context.Context, unitID string) (DeviceStatus, bool, error)
	List(ctx context.Context) ([]DeviceStatus, error)
	Mutate(ctx context.Context, unitID string, fn func(*DeviceStatus) error) (DeviceStatus, error)
	Delete(ctx context.Context, unitID string) error
}

// Memory is an in-memory Store.
type Memory struct {
	mu   sync.Mutex
	rows map[string]DeviceStatus
}

// NewMemory creates an empty in-memory status store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]DeviceStatus)}
}

func (m *Memory) Get(_ context.Context, unitID string) (DeviceStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[unitID]
	return row, ok, nil
}

func (m *Memory) List(_ context.Context) ([]DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceStatus, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

func (m *Memory) Mutate(_ context.Context, unitID string, fn func(*DeviceStatus) error) (DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[unitID]
	if !ok {
		row = DeviceStatus{UnitID: unitID, MeasurementState: protocol.StateUnknown, IsReachable: true}
	}

	working := row
	if err := fn(&working); err != nil {
		return row, err
	}
	working.UnitID = unitID
	m.rows[unitID] = working
	return working, nil
}

func (m *Memory) Delete(_ context.Context, unitID string) error {
	m.mu.Lock()
	delete(m.rows, unitID)
	m.mu.Unlock()
	return nil
}

// File is an afero-backed Store persisting the status table as a single
// JSON document, rewritten atomically on every mutation.
type File struct {
	fs   afero.Fs
	path string
	mem  *Memory
}

// NewFile opens a JSON-backed status store at path on fs, loading the
// file if it exists. The file and its directory are created on the first
// write.
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
		return fmt.Errorf("check status file: %w", err)
	}
	if !exists {
		return nil
	}
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return fmt.Errorf("read status file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var rows []DeviceStatus
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("decode status file: %w", err)
	}
	for _, row := range rows {
		f.mem.rows[row.UnitID] = row
	}
	return nil
}

func (f *File) persist() error {
	rows, _ := f.mem.List(context.Background())
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	dir := filepath.Dir(f.path)
	if dir != "" && dir != "." {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create status directory: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write status temp file: %w", err)
	}
	return f.fs.Rename(tmp, f.path)
}

func (f *File) Get(ctx context.Context, unitID string) (DeviceStatus, bool, error) {
	return f.mem.Get(ctx, unitID)
}

func (f *File) List(ctx context.Context) ([]DeviceStatus, error) {
	return f.mem.List(ctx)
}

func (f *File) Mutate(ctx context.Context, unitID string, fn func(*DeviceStatus) error) (DeviceStatus, error) {
	prev, existed, _ := f.mem.Get(ctx, unitID)
	row, err := f.mem.Mutate(ctx, unitID, fn)
	if err != nil {
		return row, err
	}
	if err := f.persist(); err != nil {
		// Roll the in-memory row back so a failed write changes nothing.
		f.mem.mu.Lock()
		if existed {
			f.mem.rows[unitID] = prev
		} else {
			delete(f.mem.rows, unitID)
		}
		f.mem.mu.Unlock()
		return prev, err
	}
	return row, nil
}

func (f *File) Delete(ctx context.Context, unitID string) error {
	if err := f.mem.Delete(ctx, unitID); err != nil {
		return err
	}
	return f.persist()
}
