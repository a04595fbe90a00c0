package config

import (
	"encoding/json"
	"time"
)

// Duration renders as a Go duration string ("30s", "1m30s") in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Summary is the loggable view of EnvConfig. Secrets are redacted.
type Summary struct {
	Env                      string   `json:"env"`
	ListenAddress            string   `json:"listen_address"`
	Port                     int      `json:"port"`
	AdminPort                int      `json:"admin_port"`
	Upstream                 string   `json:"upstream"`
	ClientSignature          string   `json:"client_signature"`
	IdentityHeader           string   `json:"identity_header"`
	UpstreamTimeout          Duration `json:"upstream_timeout"`
	TransportIdleConnTimeout Duration `json:"transport_idle_conn_timeout"`
	CaptureMaxBytes          int      `json:"capture_max_bytes"`
	LogDir                   string   `json:"log_dir"`
	DBURL                    string   `json:"db_url"`
	DBAutoMigrate            bool     `json:"db_auto_migrate"`
	RowHashAlgorithm         string   `json:"row_hash_algo"`
	RecorderQueueSize        int      `json:"recorder_queue_size"`
	AppLogCSV                bool     `json:"applog_csv"`
	StatsSchedule            string   `json:"stats_schedule"`
	AdminAuth                bool     `json:"admin_auth"`
	ConfigFile               string   `json:"config_file,omitempty"`
}

// Summary returns the redacted view of c.
func (c *EnvConfig) Summary() Summary {
	return Summary{
		Env:                      c.Env,
		ListenAddress:            c.ListenAddress,
		Port:                     c.Port,
		AdminPort:                c.AdminPort,
		Upstream:                 c.Upstream,
		ClientSignature:          c.ClientSignature,
		IdentityHeader:           c.IdentityHeader,
		UpstreamTimeout:          Duration(c.UpstreamTimeout),
		TransportIdleConnTimeout: Duration(c.TransportIdleConnTimeout),
		CaptureMaxBytes:          c.CaptureMaxBytes,
		LogDir:                   c.LogDir,
		DBURL:                    c.RedactedDBURL(),
		DBAutoMigrate:            c.DBAutoMigrate,
		RowHashAlgorithm:         string(c.RowHashAlgorithm),
		RecorderQueueSize:        c.RecorderQueueSize,
		AppLogCSV:                c.AppLogCSV,
		StatsSchedule:            c.StatsSchedule,
		AdminAuth:                c.AdminToken != "",
		ConfigFile:               c.ConfigFile,
	}
}
