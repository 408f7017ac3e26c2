// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for the gateway
// daemon: a single /healthz JSON endpoint reporting per-device
// reachability and overall poller liveness, suitable for systemd
// watchdog or load-balancer probes. Prometheus-format metrics are
// served separately by internal/metrics.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// DeviceInfo describes the health state of a single registered device.
type DeviceInfo struct {
	UnitID              string `json:"unit_id"`
	Reachable           bool   `json:"reachable"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

// SystemInfo contains system-level health data included in the health
// response: disk space on the log/measurement directory and poller
// liveness.
type SystemInfo struct {
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskLowWarning bool   `json:"disk_low_warning,omitempty"`
	PollerAlive    bool   `json:"poller_alive"`
}

// StatusProvider returns the current health status of all devices. The
// daemon implements this interface to supply live data from
// internal/status.
type StatusProvider interface {
	Devices() []DeviceInfo
}

// SystemInfoProvider returns system-level health data.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Devices   []DeviceInfo `json:"devices"`
	System    *SystemInfo  `json:"system,omitempty"`
}

// Handler serves the /healthz endpoint.
type Handler struct {
	provider    StatusProvider
	sysProvider SystemInfoProvider
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// WithSystemInfo attaches an optional system info provider to the
// handler. When set, disk space and poller-liveness are included in
// /healthz responses.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	var devices []DeviceInfo
	if h.provider != nil {
		devices = h.provider.Devices()
	}
	resp.Devices = devices

	healthy := true
	for _, dev := range devices {
		if !dev.Reachable {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if si.DiskLowWarning || !si.PollerAlive {
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
			healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy && resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness.
//
// The listener is bound synchronously, so bind failures (e.g. port
// already in use) are returned immediately rather than surfacing only
// after ctx is cancelled. Once bound, the ready channel is closed (if
// non-nil) so callers can confirm the endpoint is actually listening.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
