// SPDX-License-Identifier: MIT

// Package ftpclient wraps github.com/jlaffaye/ftp to provide the FTP
// list/file-download/folder-download operations of the Device Client
// (spec §4.4's FTP bullet). The device's FTP service is active-mode only
// — per spec §9 this is a deployment property (the gateway must be
// network-reachable on its own data port), not something this client
// negotiates. The wrapper opens data connections the way the underlying
// library does, in passive mode (EPSV/PASV); it has no active-mode (PORT)
// path.
package ftpclient

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"slmgateway/internal/protocol"
)

// DefaultConnectTimeout is the FTP TCP connect timeout (spec §5).
const DefaultConnectTimeout = 10 * time.Second

// Config carries the per-device FTP connection parameters (host/port
// from registry.DeviceConfig, credentials defaulting to USER/0000 per
// spec §4.4).
type Config struct {
	UnitID   string
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Entry is a single FTP directory listing entry, independent of the
// underlying library's type so callers and tests don't import it
// directly.
type Entry struct {
	Name  string
	IsDir bool
	Size  uint64
	MTime time.Time
}

// Client performs FTP operations against a single device for the
// duration of one call; it dials fresh for every operation rather than
// holding a long-lived control connection, mirroring the device's
// FTP-toggle-to-reset-state behavior (spec §1).
type Client struct {
	cfg Config
}

// NewClient constructs an FTP client for one device.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConnectTimeout
	}
	if cfg.Username == "" {
		cfg.Username = "USER"
	}
	if cfg.Password == "" {
		cfg.Password = "0000"
	}
	return &Client{cfg: cfg}
}

func (c *Client) dial(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(c.cfg.addr(), ftp.DialWithContext(ctx), ftp.DialWithTimeout(c.cfg.Timeout))
	if err != nil {
		return nil, &protocol.FTPError{Unit: c.cfg.UnitID, Phase: protocol.FTPPhaseConnect, Cause: err}
	}
	if err := conn.Login(c.cfg.Username, c.cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, &protocol.FTPError{Unit: c.cfg.UnitID, Phase: protocol.FTPPhaseAuth, Cause: err}
	}
	return conn, nil
}

// List returns the directory entries under dir.
func (c *Client) List(ctx context.Context, dir string) ([]Entry, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	raw, err := conn.List(dir)
	if err != nil {
		return nil, &protocol.FTPError{Unit: c.cfg.UnitID, Phase: protocol.FTPPhaseList, Cause: err}
	}

	now := time.Now()
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, Entry{
			Name:  e.Name,
			IsDir: e.Type == ftp.EntryTypeFolder,
			Size:  e.Size,
			MTime: reparseListTime(e.Time, now),
		})
	}
	return entries, nil
}

// reparseListTime re-derives an entry's modification time through
// ParseListTime's own year-rollback heuristic (P9) instead of trusting
// jlaffaye/ftp's internal parse, which resolves the omitted year
// against the real wall clock and cannot be exercised deterministically.
// The library has already thrown away the raw LIST line, so the
// Unix-format text ParseListTime expects is reconstructed from the
// library's parsed time: a same-year entry reformats as "Mon _2 15:04"
// (the no-year, time-of-day form), anything else as "Mon _2 2006" (the
// explicit-year form), mirroring which of the two forms a real LIST
// listing would have used. offset is 0 here — the device's timezone
// offset is applied once, by the caller that consumes MTime, not twice.
func reparseListTime(t, now time.Time) time.Time {
	var field string
	if t.Year() == now.UTC().Year() {
		field = t.Format("Jan _2 15:04")
	} else {
		field = t.Format("Jan _2 2006")
	}
	parsed, err := ParseListTime(field, now, 0)
	if err != nil {
		return t
	}
	return parsed
}

// RetrieveFile downloads a single file and returns its contents as a
// stream; the caller must Close it. The control connection stays open
// for the lifetime of the returned reader.
func (c *Client) RetrieveFile(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := conn.Retr(remotePath)
	if err != nil {
		_ = conn.Quit()
		return nil, &protocol.FTPError{Unit: c.cfg.UnitID, Phase: protocol.FTPPhaseData, Cause: err}
	}
	return &retrieveStream{resp: resp, conn: conn}, nil
}

// retrieveStream closes both the data connection response and the
// control connection together, so callers only need to Close once.
type retrieveStream struct {
	resp io.ReadCloser
	conn *ftp.ServerConn
}

func (r *retrieveStream) Read(p []byte) (int, error) { return r.resp.Read(p) }

func (r *retrieveStream) Close() error {
	err := r.resp.Close()
	_ = r.conn.Quit()
	return err
}

// DownloadFolder recursively downloads remoteDir and packages every file
// retrieved into a ZIP archive, preserving relative paths under the
// source folder's base name. Per-file or per-subdirectory failures are
// logged by the caller (via the returned FailedPaths) but do not abort
// the overall archive, per spec §4.4.
type FolderResult struct {
	Zip         []byte
	FailedPaths []string
}

func (c *Client) DownloadFolder(ctx context.Context, remoteDir string) (*FolderResult, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	base := path.Base(remoteDir)
	result := &FolderResult{}

	var buf writeBuffer
	zw := zip.NewWriter(&buf)

	if err := c.downloadDir(conn, zw, remoteDir, base, result); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, &protocol.FTPError{Unit: c.cfg.UnitID, Phase: protocol.FTPPhaseData, Cause: err}
	}

	result.Zip = buf.Bytes()
	return result, nil
}

func (c *Client) downloadDir(conn *ftp.ServerConn, zw *zip.Writer, remoteDir, archivePrefix string, result *FolderResult) error {
	entries, err := conn.List(remoteDir)
	if err != nil {
		return &protocol.FTPError{Unit: c.cfg.UnitID, Phase: protocol.FTPPhaseList, Cause: err}
	}

	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		remotePath := path.Join(remoteDir, e.Name)
		archivePath := path.Join(archivePrefix, e.Name)

		if e.Type == ftp.EntryTypeFolder {
			if err := c.downloadDir(conn, zw, remotePath, archivePath, result); err != nil {
				result.FailedPaths = append(result.FailedPaths, remotePath)
			}
			continue
		}

		resp, err := conn.Retr(remotePath)
		if err != nil {
			result.FailedPaths = append(result.FailedPaths, remotePath)
			continue
		}
		w, err := zw.Create(archivePath)
		if err != nil {
			resp.Close()
			result.FailedPaths = append(result.FailedPaths, remotePath)
			continue
		}
		if _, err := io.Copy(w, resp); err != nil {
			result.FailedPaths = append(result.FailedPaths, remotePath)
		}
		resp.Close()
	}
	return nil
}

// writeBuffer is a minimal io.Writer+Bytes() adapter so DownloadFolder
// does not need to import bytes.Buffer under a different name per file.
type writeBuffer struct {
	data []byte
}

func (b *writeBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *writeBuffer) Bytes() []byte { return b.data }
