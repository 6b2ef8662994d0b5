// Package entity turns coordinator views into the flat entity model a home
// automation host consumes: sensors, a reachability binary sensor,
// switches, numbers and buttons.
package entity

import (
	"github.com/janekbaraniewski/cliproxymon/internal/appupdate"
	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

type Kind string

const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindSwitch       Kind = "switch"
	KindNumber       Kind = "number"
	KindButton       Kind = "button"
)

type SensorDescription struct {
	Key  string
	Name string
	Unit string

	Value func(core.Snapshot) any
	// Attributes is optional.
	Attributes func(core.Snapshot) map[string]any
	// Available further gates availability on top of view health.
	Available func(core.View) bool
}

type SwitchDescription struct {
	Key     string
	Name    string
	Setting core.Setting
}

type NumberDescription struct {
	Key     string
	Name    string
	Setting core.Setting
	Min     int
	Max     int
	Step    int
	Unit    string
}

type ButtonDescription struct {
	Key    string
	Name   string
	Button core.Button
}

func logDiagnosticsEnabled(v core.View) bool {
	return v.Snapshot.Diagnostics.LogDiagnostics
}

func requestErrorLogsEnabled(v core.View) bool {
	return v.Snapshot.Diagnostics.RequestErrorLogs
}

var Sensors = []SensorDescription{
	{
		Key: "total_requests", Name: "Total requests", Unit: "requests",
		Value: func(s core.Snapshot) any { return s.Usage.TotalRequests },
	},
	{
		Key: "success_count", Name: "Successful requests", Unit: "requests",
		Value: func(s core.Snapshot) any { return s.Usage.SuccessCount },
	},
	{
		Key: "failure_count", Name: "Failed requests (window)", Unit: "requests",
		Value: func(s core.Snapshot) any { return s.Usage.FailureCount },
	},
	{
		Key: "failed_requests", Name: "Failed requests", Unit: "requests",
		Value: func(s core.Snapshot) any { return s.Usage.FailedRequests },
	},
	{
		Key: "error_rate", Name: "Error rate", Unit: "%",
		Value: func(s core.Snapshot) any { return s.Usage.ErrorRate() },
	},
	{
		Key: "total_tokens", Name: "Total tokens", Unit: "tokens",
		Value: func(s core.Snapshot) any { return s.Usage.TotalTokens },
	},
	{
		Key: "latest_version", Name: "Latest version",
		Value: func(s core.Snapshot) any { return s.LatestVersion },
		Attributes: func(s core.Snapshot) map[string]any {
			check := appupdate.Evaluate(s.ServerVersion, s.LatestVersion)
			return map[string]any{
				"server_version":   s.ServerVersion,
				"update_available": check.UpdateAvailable,
			}
		},
	},
	{
		Key: "key_usage_entries", Name: "Tracked keys", Unit: "keys",
		Value: func(s core.Snapshot) any { return s.TrackedKeys },
		Attributes: func(s core.Snapshot) map[string]any {
			return map[string]any{"skipped_details": s.SkippedDetails}
		},
	},
	{
		Key: "log_line_count", Name: "Log lines", Unit: "lines",
		Value:     func(s core.Snapshot) any { return s.Logs.LineCount },
		Available: logDiagnosticsEnabled,
	},
	{
		Key: "latest_log_timestamp", Name: "Latest log timestamp",
		Value:     func(s core.Snapshot) any { return s.Logs.LatestTimestamp },
		Available: logDiagnosticsEnabled,
	},
	{
		Key: "request_error_log_files", Name: "Request error log files", Unit: "files",
		Value: func(s core.Snapshot) any { return len(s.RequestErrorLogs) },
		Attributes: func(s core.Snapshot) map[string]any {
			return map[string]any{"files": s.RequestErrorLogs}
		},
		Available: requestErrorLogsEnabled,
	},
}

var Switches = []SwitchDescription{
	{Key: "debug", Name: "Debug mode", Setting: core.SettingDebug},
	{Key: "logging_to_file", Name: "Logging to file", Setting: core.SettingLoggingToFile},
	{Key: "usage_statistics_enabled", Name: "Usage statistics", Setting: core.SettingUsageStatisticsEnabled},
	{Key: "request_log", Name: "Request log", Setting: core.SettingRequestLog},
	{Key: "ws_auth", Name: "WebSocket auth", Setting: core.SettingWSAuth},
	{Key: "switch_project", Name: "Switch project on quota", Setting: core.SettingSwitchProject},
	{Key: "switch_preview_model", Name: "Switch preview model on quota", Setting: core.SettingSwitchPreviewModel},
}

var Numbers = []NumberDescription{
	{Key: "request_retry", Name: "Request retry", Setting: core.SettingRequestRetry, Min: 0, Max: 10, Step: 1},
	{Key: "max_retry_interval", Name: "Max retry interval", Setting: core.SettingMaxRetryInterval, Min: 1, Max: 600, Step: 1, Unit: "s"},
}

var Buttons = []ButtonDescription{
	{Key: "refresh", Name: "Refresh", Button: core.ButtonRefresh},
	{Key: "clear_logs", Name: "Clear logs", Button: core.ButtonClearLogs},
}
