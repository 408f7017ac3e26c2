// SPDX-License-Identifier: MIT

package httpapi

import "time"

// valueBody is the request/response envelope for the single-scalar
// GET/PUT endpoints (clock, weightings, interval presets).
type valueBody struct {
	Value string `json:"value"`
}

// indexBody is the PUT index-number request body.
type indexBody struct {
	Index int `json:"index"`
}

// pathBody is the POST ftp/download and ftp/download-folder request
// body, naming the remote FTP path to fetch.
type pathBody struct {
	Path string `json:"path"`
}

// settingsBody aggregates the device's configurable measurement
// settings for GET settings, per spec §6.
type settingsBody struct {
	FrequencyWeighting string `json:"frequency_weighting"`
	TimeWeighting      string `json:"time_weighting"`
	MeasurementTime    string `json:"measurement_time"`
	LeqInterval        string `json:"leq_interval"`
	LpInterval         string `json:"lp_interval"`
}

// latestTimeBody is the GET ftp/latest-measurement-time response.
type latestTimeBody struct {
	Time time.Time `json:"time"`
}
