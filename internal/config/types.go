package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Publisher PublisherConfig `json:"publisher"`
	Fanout    FanoutConfig    `json:"fanout"`
	Reminders RemindersConfig `json:"reminders"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite job and task store.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// PruneAfter controls how long fired and cancelled job records are
	// retained before the maintenance sweep deletes them. "0s" keeps
	// them forever.
	PruneAfter string `json:"prune_after,omitempty"`
}

// SchedulerConfig controls the trigger service that fires jobs.
type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
	// FireTimeout bounds one fire-handler invocation. "0s" disables it.
	FireTimeout   string `json:"fire_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// PublisherConfig controls the event publishing pipeline.
type PublisherConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
}

// FanoutConfig controls per-connection delivery to clients.
type FanoutConfig struct {
	QueueSize         int    `json:"queue_size,omitempty"`
	HistorySize       int    `json:"history_size,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
}

type RemindersConfig struct {
	// FirePastDue fires reminders whose computed fire time is already in
	// the past instead of silently skipping them.
	FirePastDue bool `json:"fire_past_due,omitempty"`
}

// HTTPConfig controls the HTTP API (event stream + task hooks).
//
// Prefer binding to localhost or setting a token when the address is
// reachable from elsewhere.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8750"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // default 0: streams stay open
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
