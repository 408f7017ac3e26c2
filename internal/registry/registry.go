// SPDX-License-Identifier: MIT

// Package registry is the durable mapping from device-id to connection
// parameters and polling policy (spec C1). The config store is
// specified as an external relational collaborator with contracts only
// (spec §1); Store is the contract, and Memory/File give it a concrete,
// testable home without requiring a SQL driver.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
)

// DeviceConfig is one row of device_config (spec §3), keyed by UnitID.
type DeviceConfig struct {
	UnitID              string `json:"unit_id"`
	Host                string `json:"host"`
	TCPPort             int    `json:"tcp_port"`
	FTPPort             int    `json:"ftp_port"`
	TCPEnabled          bool   `json:"tcp_enabled"`
	FTPEnabled          bool   `json:"ftp_enabled"`
	FTPUsername         string `json:"ftp_username"`
	FTPPassword         string `json:"ftp_password"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	PollEnabled         bool   `json:"poll_enabled"`
}

// Validate checks the field ranges spec §3 requires.
func (d *DeviceConfig) Validate() error {
	if d.UnitID == "" {
		return fmt.Errorf("unit_id is required")
	}
	if d.Host == "" {
		return fmt.Errorf("host is required")
	}
	if d.TCPPort < 1 || d.TCPPort > 65535 {
		return fmt.Errorf("tcp_port %d out of range 1..65535", d.TCPPort)
	}
	if d.FTPPort < 1 || d.FTPPort > 65535 {
		return fmt.Errorf("ftp_port %d out of range 1..65535", d.FTPPort)
	}
	if d.PollIntervalSeconds < 10 || d.PollIntervalSeconds > 3600 {
		return fmt.Errorf("poll_interval_seconds %d out of range 10..3600", d.PollIntervalSeconds)
	}
	return nil
}

// WithDefaults returns a copy of d with spec-defined defaults applied to
// zero-valued optional fields.
func (d DeviceConfig) WithDefaults() DeviceConfig {
	if d.FTPPort == 0 {
		d.FTPPort = 21
	}
	if d.FTPUsername == "" {
		d.FTPUsername = "USER"
	}
	if d.FTPPassword == "" {
		d.FTPPassword = "0000"
	}
	if d.PollIntervalSeconds == 0 {
		d.PollIntervalSeconds = 60
	}
	return d
}

// DeletedFunc is invoked by a Store after a DeviceConfig is removed, so
// callers can cascade the deletion to the Status Store (spec §3's
// "deletion cascades to DeviceStatus").
type DeletedFunc func(unitID string)

// Store is the Device Registry's persistence contract.
type Store interface {
	Get(ctx context.Context, unitID string) (DeviceConfig, bool, error)
	List(ctx context.Context) ([]DeviceConfig, error)
	Put(ctx context.Context, cfg DeviceConfig) error
	Delete(ctx context.Context, unitID string) error
	OnDelete(fn DeletedFunc)
}

// Memory is an in-memory Store, useful for tests and for a cache layer in
// front of a file-backed Store.
type Memory struct {
	mu       sync.RWMutex
	devices  map[string]DeviceConfig
	onDelete []DeletedFunc
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{devices: make(map[string]DeviceConfig)}
}

func (m *Memory) Get(_ context.Context, unitID string) (DeviceConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.devices[unitID]
	return cfg, ok, nil
}

func (m *Memory) List(_ context.Context) ([]DeviceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceConfig, 0, len(m.devices))
	for _, cfg := range m.devices {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

func (m *Memory) Put(_ context.Context, cfg DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.devices[cfg.UnitID] = cfg
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, unitID string) error {
	m.mu.Lock()
	_, existed := m.devices[unitID]
	delete(m.devices, unitID)
	hooks := append([]DeletedFunc(nil), m.onDelete...)
	m.mu.Unlock()

	if existed {
		for _, fn := range hooks {
			fn(unitID)
		}
	}
	return nil
}

func (m *Memory) OnDelete(fn DeletedFunc) {
	m.mu.Lock()
	m.onDelete = append(m.onDelete, fn)
	m.mu.Unlock()
}

// File is an afero-backed Store that persists the registry as a single
// JSON document, atomically rewritten on every mutation. It wraps a
// Memory store as its in-process cache so reads never touch disk.
type File struct {
	fs   afero.Fs
	path string
	mem  *Memory
}

// NewFile opens a JSON-backed registry at path on fs, loading the file if
// it exists. The file and its directory are created on the first write.
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
		return fmt.Errorf("check registry file: %w", err)
	}
	if !exists {
		return nil
	}

	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var devices []DeviceConfig
	if err := json.Unmarshal(data, &devices); err != nil {
		return fmt.Errorf("decode registry file: %w", err)
	}
	for _, cfg := range devices {
		f.mem.devices[cfg.UnitID] = cfg
	}
	return nil
}

func (f *File) persist() error {
	devices, _ := f.mem.List(context.Background())
	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(f.path)
	if dir != "" && dir != "." {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create registry directory: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename registry temp file: %w", err)
	}
	return nil
}

func (f *File) Get(ctx context.Context, unitID string) (DeviceConfig, bool, error) {
	return f.mem.Get(ctx, unitID)
}

func (f *File) List(ctx context.Context) ([]DeviceConfig, error) {
	return f.mem.List(ctx)
}

func (f *File) Put(ctx context.Context, cfg DeviceConfig) error {
	if err := f.mem.Put(ctx, cfg); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) Delete(ctx context.Context, unitID string) error {
	if err := f.mem.Delete(ctx, unitID); err != nil {
		return err
	}
	return f.persist()
}

func (f *File) OnDelete(fn DeletedFunc) {
	f.mem.OnDelete(fn)
}
