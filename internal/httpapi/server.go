// SPDX-License-Identifier: MIT

// Package httpapi is a thin net/http layer implementing exactly the
// endpoint list of spec §6. It holds no business logic: every handler
// converts a request into a Device Client / Cycle Orchestrator /
// Registry / Status Store call and maps the result (or error, per §7)
// into JSON. The WebSocket `stream` endpoint lives in internal/wsstream
// since it needs a distinct upgrade/relay lifecycle.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"slmgateway/internal/cycle"
	"slmgateway/internal/deviceclient"
	"slmgateway/internal/devicelog"
	"slmgateway/internal/diagnostics"
	"slmgateway/internal/ftpclient"
	"slmgateway/internal/protocol"
	"slmgateway/internal/registry"
	"slmgateway/internal/status"
)

// Server wires the HTTP surface to the gateway's core components.
type Server struct {
	registry    registry.Store
	status      status.Store
	client      *deviceclient.Client
	cycle       *cycle.Orchestrator
	diagnostics *diagnostics.Runner
	logs        devicelog.Store
	logger      *slog.Logger
	timezone    time.Duration
}

// New constructs a Server. timezone is the process-wide UTC offset used
// for FTP timestamp and start-time-sync conversions (spec §3 env var
// TIMEZONE_OFFSET). logs may be nil, in which case the device-log
// endpoints return an empty list or empty stats for a registered device.
func New(reg registry.Store, st status.Store, client *deviceclient.Client, orch *cycle.Orchestrator, diag *diagnostics.Runner, logs devicelog.Store, timezone time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: reg, status: st, client: client, cycle: orch, diagnostics: diag, logs: logs, timezone: timezone, logger: logger}
}

// Handler builds the routed net/http.Handler for every endpoint in
// spec §6's "HTTP surface required by consumers" list.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /devices", s.listDevices)
	mux.HandleFunc("GET /devices/{unit_id}/config", s.getConfig)
	mux.HandleFunc("PUT /devices/{unit_id}/config", s.putConfig)
	mux.HandleFunc("DELETE /devices/{unit_id}/config", s.deleteConfig)
	mux.HandleFunc("GET /devices/{unit_id}/status", s.getStatus)

	mux.HandleFunc("POST /devices/{unit_id}/start", s.postStart)
	mux.HandleFunc("POST /devices/{unit_id}/stop", s.postStop)
	mux.HandleFunc("POST /devices/{unit_id}/pause", s.command(protocol.CmdPauseOn))
	mux.HandleFunc("POST /devices/{unit_id}/resume", s.command(protocol.CmdPauseOff))
	mux.HandleFunc("POST /devices/{unit_id}/reset", s.command(protocol.CmdReset))
	mux.HandleFunc("POST /devices/{unit_id}/store", s.command(protocol.CmdManualStoreStart))
	mux.HandleFunc("POST /devices/{unit_id}/sleep", s.command(protocol.CmdSleepModeSet(true)))
	mux.HandleFunc("POST /devices/{unit_id}/wake", s.command(protocol.CmdSleepModeSet(false)))

	mux.HandleFunc("GET /devices/{unit_id}/live", s.getLive)
	mux.HandleFunc("GET /devices/{unit_id}/measurement-state", s.queryValue(protocol.CmdMeasureState))
	mux.HandleFunc("GET /devices/{unit_id}/battery", s.queryValue(protocol.CmdBatteryLevel))
	mux.HandleFunc("GET /devices/{unit_id}/sleep/status", s.queryValue(protocol.CmdSleepModeQuery))

	mux.HandleFunc("GET /devices/{unit_id}/clock", s.queryValue(protocol.CmdClockQuery))
	mux.HandleFunc("PUT /devices/{unit_id}/clock", s.setValue(func(v string) string { return protocol.CmdClockSet(v) }))
	mux.HandleFunc("GET /devices/{unit_id}/frequency-weighting", s.queryValue(protocol.CmdFrequencyWeightingQuery))
	mux.HandleFunc("PUT /devices/{unit_id}/frequency-weighting", s.setValue(func(v string) string { return protocol.CmdFrequencyWeightingSet(protocol.FrequencyWeighting(v)) }))
	mux.HandleFunc("GET /devices/{unit_id}/time-weighting", s.queryValue(protocol.CmdTimeWeightingQuery))
	mux.HandleFunc("PUT /devices/{unit_id}/time-weighting", s.setValue(func(v string) string { return protocol.CmdTimeWeightingSet(protocol.TimeWeighting(v)) }))
	mux.HandleFunc("GET /devices/{unit_id}/measurement-time", s.queryValue(protocol.CmdMeasurementTimePresetQuery))
	mux.HandleFunc("PUT /devices/{unit_id}/measurement-time", s.setValue(protocol.CmdMeasurementTimePresetSet))
	mux.HandleFunc("GET /devices/{unit_id}/leq-interval", s.queryValue(protocol.CmdLeqIntervalPresetQuery))
	mux.HandleFunc("PUT /devices/{unit_id}/leq-interval", s.setValue(protocol.CmdLeqIntervalPresetSet))
	mux.HandleFunc("GET /devices/{unit_id}/lp-interval", s.queryValue(protocol.CmdLpStoreIntervalQuery))
	mux.HandleFunc("PUT /devices/{unit_id}/lp-interval", s.setValue(protocol.CmdLpStoreIntervalSet))
	mux.HandleFunc("GET /devices/{unit_id}/index-number", s.queryValue(protocol.CmdStoreNameQuery))
	mux.HandleFunc("PUT /devices/{unit_id}/index-number", s.putIndexNumber)

	mux.HandleFunc("GET /devices/{unit_id}/overwrite-check", s.queryValue(protocol.CmdOverwriteQuery))
	mux.HandleFunc("GET /devices/{unit_id}/results", s.queryValue(protocol.CmdFinalCalc))
	mux.HandleFunc("GET /devices/{unit_id}/settings", s.getSettings)
	mux.HandleFunc("GET /devices/{unit_id}/diagnostics", s.getDiagnostics)

	mux.HandleFunc("GET /devices/{unit_id}/ftp/status", s.queryValue(protocol.CmdFTPQuery))
	mux.HandleFunc("GET /devices/{unit_id}/ftp/files", s.getFTPFiles)
	mux.HandleFunc("GET /devices/{unit_id}/ftp/latest-measurement-time", s.getFTPLatestMeasurementTime)
	mux.HandleFunc("POST /devices/{unit_id}/ftp/enable", s.command(protocol.CmdFTPSet(true)))
	mux.HandleFunc("POST /devices/{unit_id}/ftp/disable", s.command(protocol.CmdFTPSet(false)))
	mux.HandleFunc("POST /devices/{unit_id}/ftp/download", s.postFTPDownload)
	mux.HandleFunc("POST /devices/{unit_id}/ftp/download-folder", s.postFTPDownloadFolder)
	mux.HandleFunc("POST /devices/{unit_id}/sync-start-time", s.postSyncStartTime)

	mux.HandleFunc("GET /devices/{unit_id}/logs", s.getDeviceLogs)
	mux.HandleFunc("GET /devices/{unit_id}/logs/stats", s.getDeviceLogStats)

	return mux
}

func (s *Server) target(ctx context.Context, unitID string) (deviceclient.Target, registry.DeviceConfig, error) {
	cfg, ok, err := s.registry.Get(ctx, unitID)
	if err != nil {
		return deviceclient.Target{}, registry.DeviceConfig{}, err
	}
	if !ok {
		return deviceclient.Target{}, registry.DeviceConfig{}, errUnknownDevice
	}
	return deviceclient.Target{UnitID: cfg.UnitID, Host: cfg.Host, Port: cfg.TCPPort}, cfg, nil
}

func (s *Server) ftpConfig(cfg registry.DeviceConfig) ftpclient.Config {
	return ftpclient.Config{
		UnitID:   cfg.UnitID,
		Host:     cfg.Host,
		Port:     cfg.FTPPort,
		Username: cfg.FTPUsername,
		Password: cfg.FTPPassword,
	}
}

type apiError string

func (e apiError) Error() string { return string(e) }

const errUnknownDevice = apiError("unknown device")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error to a status code exactly per spec §7:
// ConnectError/FTPError -> 502, TimeoutError -> 504, ParameterError ->
// 400, other protocol errors -> 502 with detail, unexpected -> 500.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnknownDevice) {
		writeJSON(w, http.StatusNotFound, errBody{Error: err.Error()})
		return
	}

	var connectErr *protocol.ConnectError
	var ftpErr *protocol.FTPError
	var timeoutErr *protocol.TimeoutError
	var paramErr *protocol.ParameterError

	switch {
	case errors.As(err, &connectErr), errors.As(err, &ftpErr):
		writeJSON(w, http.StatusBadGateway, errBody{Error: err.Error()})
	case errors.As(err, &timeoutErr):
		writeJSON(w, http.StatusGatewayTimeout, errBody{Error: err.Error()})
	case errors.As(err, &paramErr):
		writeJSON(w, http.StatusBadRequest, errBody{Error: err.Error()})
	case isProtocolError(err):
		writeJSON(w, http.StatusBadGateway, errBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errBody{Error: err.Error()})
	}
}

func isProtocolError(err error) bool {
	var commandErr *protocol.CommandError
	var specErr *protocol.SpecError
	var stateErr *protocol.StateError
	var protoErr *protocol.ProtocolError
	var parseErr *protocol.ParseError
	var streamErr *protocol.StreamTimeout
	var storageErr *protocol.StorageFullError
	return errors.As(err, &commandErr) || errors.As(err, &specErr) || errors.As(err, &stateErr) ||
		errors.As(err, &protoErr) || errors.As(err, &parseErr) || errors.As(err, &streamErr) ||
		errors.As(err, &storageErr)
}

type errBody struct {
	Error string `json:"error"`
}
