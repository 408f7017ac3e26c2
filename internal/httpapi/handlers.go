// SPDX-License-Identifier: MIT

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"slmgateway/internal/cycle"
	"slmgateway/internal/deviceclient"
	"slmgateway/internal/devicelog"
	"slmgateway/internal/ftpclient"
	"slmgateway/internal/protocol"
	"slmgateway/internal/registry"
	"slmgateway/internal/starttimesync"
)

const ftpRootDir = "/NL-43"

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfgs)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok, err := s.registry.Get(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, errUnknownDevice)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg registry.DeviceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, &protocol.ParameterError{Unit: r.PathValue("unit_id"), Command: "config", Code: "R+0002"})
		return
	}
	cfg.UnitID = r.PathValue("unit_id")
	cfg = cfg.WithDefaults()
	if err := s.registry.Put(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), r.PathValue("unit_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	row, ok, err := s.status.Get(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, errUnknownDevice)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// command returns a handler that sends the fixed wire command for the
// path's unit_id and returns 204 on success, matching the POST
// start|stop|...|wake family's "fire and report status" shape. start
// and stop are handled separately since they compose the Cycle
// Orchestrator instead of a single command.
func (s *Server) command(cmd string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, _, err := s.target(r.Context(), r.PathValue("unit_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.client.Call(r.Context(), target, cmd, deviceclient.DefaultExchangeTimeout); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// queryValue returns a handler that issues a query command and returns
// its single data line as JSON.
func (s *Server) queryValue(cmd string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, _, err := s.target(r.Context(), r.PathValue("unit_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		data, err := s.client.Call(r.Context(), target, cmd, deviceclient.DefaultExchangeTimeout)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, valueBody{Value: data})
	}
}

// setValue returns a handler that decodes {"value": "..."} from the
// request body, formats it into the wire command via build, and sends
// it, matching the PUT clock|frequency-weighting|...|lp-interval family.
func (s *Server) setValue(build func(string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, _, err := s.target(r.Context(), r.PathValue("unit_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		var body valueBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, &protocol.ParameterError{Unit: target.UnitID, Command: "body", Code: "R+0002"})
			return
		}
		if _, err := s.client.Call(r.Context(), target, build(body.Value), deviceclient.DefaultExchangeTimeout); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) putIndexNumber(w http.ResponseWriter, r *http.Request) {
	target, _, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var body indexBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &protocol.ParameterError{Unit: target.UnitID, Command: protocol.CmdStoreNameQuery, Code: "R+0002"})
		return
	}
	cmd := protocol.CmdStoreNameSet(body.Index)
	if _, err := s.client.Call(r.Context(), target, cmd, deviceclient.DefaultExchangeTimeout); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getLive(w http.ResponseWriter, r *http.Request) {
	target, _, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.client.Call(r.Context(), target, protocol.CmdLiveSample, deviceclient.DefaultExchangeTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := protocol.ParseSnapshot(target.UnitID, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	target, _, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := settingsBody{}
	queries := []struct {
		cmd string
		dst *string
	}{
		{protocol.CmdFrequencyWeightingQuery, &out.FrequencyWeighting},
		{protocol.CmdTimeWeightingQuery, &out.TimeWeighting},
		{protocol.CmdMeasurementTimePresetQuery, &out.MeasurementTime},
		{protocol.CmdLeqIntervalPresetQuery, &out.LeqInterval},
		{protocol.CmdLpStoreIntervalQuery, &out.LpInterval},
	}
	for _, q := range queries {
		v, err := s.client.Call(r.Context(), target, q.cmd, deviceclient.DefaultExchangeTimeout)
		if err != nil {
			writeError(w, err)
			return
		}
		*q.dst = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getDiagnostics(w http.ResponseWriter, r *http.Request) {
	_, cfg, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	report := s.diagnostics.RunDevice(r.Context(), cfg)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getFTPFiles(w http.ResponseWriter, r *http.Request) {
	_, cfg, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := ftpclient.NewClient(s.ftpConfig(cfg)).List(r.Context(), ftpRootDir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getFTPLatestMeasurementTime(w http.ResponseWriter, r *http.Request) {
	_, cfg, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := ftpclient.NewClient(s.ftpConfig(cfg)).List(r.Context(), ftpRootDir)
	if err != nil {
		writeError(w, err)
		return
	}
	var dirs []ftpclient.Entry
	for _, e := range entries {
		if e.IsDir {
			dirs = append(dirs, e)
		}
	}
	sorted := ftpclient.SortByModTimeDesc(dirs)
	if len(sorted) == 0 {
		writeJSON(w, http.StatusOK, latestTimeBody{})
		return
	}
	writeJSON(w, http.StatusOK, latestTimeBody{Time: sorted[0].MTime.Add(-s.timezone).UTC()})
}

func (s *Server) postFTPDownload(w http.ResponseWriter, r *http.Request) {
	_, cfg, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var body pathBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &protocol.ParameterError{Unit: cfg.UnitID, Command: "ftp/download", Code: "R+0002"})
		return
	}
	stream, err := ftpclient.NewClient(s.ftpConfig(cfg)).RetrieveFile(r.Context(), body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = copyBody(w, stream)
}

func (s *Server) postFTPDownloadFolder(w http.ResponseWriter, r *http.Request) {
	_, cfg, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var body pathBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &protocol.ParameterError{Unit: cfg.UnitID, Command: "ftp/download-folder", Code: "R+0002"})
		return
	}
	folder, err := ftpclient.NewClient(s.ftpConfig(cfg)).DownloadFolder(r.Context(), body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Failed-Paths", joinStrings(folder.FailedPaths))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(folder.Zip)
}

func (s *Server) postSyncStartTime(w http.ResponseWriter, r *http.Request) {
	target, cfg, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	deps := starttimesync.Deps{
		DeviceClient:   s.client,
		Target:         target,
		FTPConfig:      s.ftpConfig(cfg),
		Store:          s.status,
		TimezoneOffset: s.timezone,
	}
	if err := starttimesync.Sync(r.Context(), deps, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	row, _, err := s.status.Get(r.Context(), target.UnitID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) postStart(w http.ResponseWriter, r *http.Request) {
	target, _, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var opts cycle.StartOptions
	_ = json.NewDecoder(r.Body).Decode(&opts)
	report, err := s.cycle.Start(r.Context(), target, opts, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) postStop(w http.ResponseWriter, r *http.Request) {
	target, cfg, err := s.target(r.Context(), r.PathValue("unit_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.cycle.Stop(r.Context(), target, s.ftpConfig(cfg))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// getDeviceLogs serves device_logger.py's get_device_logs: the stored
// device_log rows for one device, newest first, filterable by
// level/category/since and paginated by limit/offset query params.
func (s *Server) getDeviceLogs(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unit_id")
	if _, _, err := s.target(r.Context(), unitID); err != nil {
		writeError(w, err)
		return
	}
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []devicelog.Entry{})
		return
	}

	q := r.URL.Query()
	filter := devicelog.QueryFilter{
		Level:    q.Get("level"),
		Category: q.Get("category"),
		Limit:    atoiOrZero(q.Get("limit")),
		Offset:   atoiOrZero(q.Get("offset")),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}

	entries, err := s.logs.Query(r.Context(), unitID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// getDeviceLogStats serves device_logger.py's get_log_stats.
func (s *Server) getDeviceLogStats(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unit_id")
	if _, _, err := s.target(r.Context(), unitID); err != nil {
		writeError(w, err)
		return
	}
	if s.logs == nil {
		writeJSON(w, http.StatusOK, devicelog.Stats{})
		return
	}

	stats, err := s.logs.Stats(r.Context(), unitID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
