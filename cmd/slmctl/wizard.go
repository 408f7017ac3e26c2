// SPDX-License-Identifier: MIT

package main

import (
	"io"

	"slmgateway/internal/prompt"
	"slmgateway/internal/registry"
)

// runDeviceWizard interactively prompts for each of the device_config
// columns spec §3 defines and overwrites cfg with the answers. Text and
// number prompts offer the value already in cfg (set by flags) or a
// built-in default as their default answer.
func runDeviceWizard(r io.Reader, w io.Writer, cfg registry.DeviceConfig) registry.DeviceConfig {
	cfg.Host = prompt.Input(r, w, "Device host or IP", cfg.Host)
	cfg.TCPPort = prompt.InputInt(r, w, "Measurement TCP port", orDefault(cfg.TCPPort, 5000))
	cfg.TCPEnabled = prompt.Confirm(r, w, "Enable TCP polling?")

	cfg.FTPEnabled = prompt.Confirm(r, w, "Enable FTP log retrieval?")
	if cfg.FTPEnabled {
		cfg.FTPPort = prompt.InputInt(r, w, "FTP control port", orDefault(cfg.FTPPort, 21))
		cfg.FTPUsername = prompt.Input(r, w, "FTP username", orDefaultStr(cfg.FTPUsername, "USER"))
		cfg.FTPPassword = prompt.Input(r, w, "FTP password", orDefaultStr(cfg.FTPPassword, "0000"))
	}

	cfg.PollEnabled = prompt.Confirm(r, w, "Enable background polling?")
	if cfg.PollEnabled {
		cfg.PollIntervalSeconds = prompt.InputInt(r, w, "Poll interval in seconds", orDefault(cfg.PollIntervalSeconds, 60))
	}

	return cfg
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
