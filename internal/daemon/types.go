package daemon

import (
	"time"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
	"github.com/janekbaraniewski/cliproxymon/internal/entity"
	"github.com/janekbaraniewski/cliproxymon/internal/history"
)

const APIVersion = "v1"

type Config struct {
	ConfigPath string
	SocketPath string
	Verbose    bool
}

type HealthResponse struct {
	Status        string `json:"status"`
	DaemonVersion string `json:"daemon_version,omitempty"`
	APIVersion    string `json:"api_version,omitempty"`
	Instances     int    `json:"instances"`
}

type InstanceStatus struct {
	ID                  string      `json:"id"`
	BaseURL             string      `json:"base_url"`
	PollInterval        string      `json:"poll_interval"`
	Available           bool        `json:"available"`
	Stale               bool        `json:"stale"`
	Status              core.Status `json:"status"`
	LastSuccess         time.Time   `json:"last_success"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError           string      `json:"last_error,omitempty"`
}

type InstancesResponse struct {
	Instances []InstanceStatus `json:"instances"`
}

type SnapshotResponse struct {
	Instance string    `json:"instance"`
	View     core.View `json:"view"`
}

type EntitiesResponse struct {
	Instance string         `json:"instance"`
	Entities []entity.State `json:"entities"`
}

type ActionResponse struct {
	Instance string `json:"instance"`
	Action   string `json:"action"`
	Status   string `json:"status"`
}

type HistoryResponse struct {
	Instance  string           `json:"instance"`
	AuthIndex int              `json:"auth_index"`
	Samples   []history.Sample `json:"samples"`
}
