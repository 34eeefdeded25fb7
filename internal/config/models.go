package config

import "time"

// TopLevel wraps the app config so the config file can namespace everything
// under a single key
type TopLevel struct {
	Streamshift Streamshift `json:"streamshift" mapstructure:"streamshift"`
}

type Streamshift struct {
	App App `json:"app" mapstructure:"app"`
}

type App struct {
	Elasticsearch ElasticsearchClient `json:"elasticsearch" mapstructure:"elasticsearch"`
	ApmClient     *ApmClient          `json:"apm,omitempty" mapstructure:"apm"`
	Logging       *Logging            `json:"logging,omitempty" mapstructure:"logging"`
	Storage       Storage             `json:"storage" mapstructure:"storage"`
	Streams       Streams             `json:"streams" mapstructure:"streams"`
	Migration     Migration           `json:"migration" mapstructure:"migration"`
	Sweeper       Sweeper             `json:"sweeper" mapstructure:"sweeper"`
}

type Logging struct {
	Json  *bool   `json:"json,omitempty" mapstructure:"json"`
	File  *string `json:"file,omitempty" mapstructure:"file"`
	Level *string `json:"level,omitempty" mapstructure:"level"`
}

type ElasticsearchClient struct {
	Addresses []string       `json:"addresses" mapstructure:"addresses"`
	User      *BasicAuthUser `json:"user,omitempty" mapstructure:"user"`
}

type ApmClient struct {
	Address     *string `json:"address,omitempty" mapstructure:"address"`
	SecretToken *string `json:"secret_token,omitempty" mapstructure:"secret_token"`
}

type BasicAuthUser struct {
	Name     string `json:"name" mapstructure:"name"`
	Password string `json:"password" mapstructure:"password"`
}

// Storage names the configured event log backends. DefaultBackend is the ref
// new entities are routed to.
type Storage struct {
	DefaultBackend string  `json:"default_backend" mapstructure:"default_backend"`
	Sqlite         *Sqlite `json:"sqlite,omitempty" mapstructure:"sqlite"`
}

type Sqlite struct {
	Path        string `json:"path" mapstructure:"path"`
	EventsTable string `json:"events_table" mapstructure:"events_table"`
}

// Streams holds writer-facing defaults
type Streams struct {
	HopLimit        uint `json:"hop_limit" mapstructure:"hop_limit"`
	ConflictRetries uint `json:"conflict_retries" mapstructure:"conflict_retries"`
	ReadPageSize    uint `json:"read_page_size" mapstructure:"read_page_size"`
}

// Migration holds orchestrator defaults; zero values fall back to the
// orchestrator's own defaults
type Migration struct {
	LockTtl                 time.Duration `json:"lock_ttl" mapstructure:"lock_ttl"`
	LockTimeout             time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`
	LockBackoff             time.Duration `json:"lock_backoff" mapstructure:"lock_backoff"`
	HeartbeatInterval       time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	CloseAttempts           uint          `json:"close_attempts" mapstructure:"close_attempts"`
	MaxCatchUpPasses        uint          `json:"max_catch_up_passes" mapstructure:"max_catch_up_passes"`
	CopyPageSize            uint          `json:"copy_page_size" mapstructure:"copy_page_size"`
	ConvergencePolicy       string        `json:"convergence_policy" mapstructure:"convergence_policy"`
	ContinueOnBackupFailure bool          `json:"continue_on_backup_failure" mapstructure:"continue_on_backup_failure"`
}

// Sweeper configures the background resumer that picks up interrupted
// migrations
type Sweeper struct {
	Schedule    string        `json:"schedule" mapstructure:"schedule"`
	BatchSize   uint          `json:"batch_size" mapstructure:"batch_size"`
	StopTimeout time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
}
