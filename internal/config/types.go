package config

// Config is the on-disk shape of the daemon configuration.
//
// All durations are Go duration strings (e.g. "750ms", "10s", "1m").
// Omitted sections fall back to the runtime defaults of each component.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Placer      PlacerConfig      `json:"placer"`
	Policy      PolicyConfig      `json:"policy"`
	Eligibility EligibilityConfig `json:"eligibility,omitempty"`
	Edit        EditConfig        `json:"edit,omitempty"`
	Transport   TransportConfig   `json:"transport"`

	// Notifier defaults to enabled when the whole section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Storage is disabled when omitted or when driver is "none".
	Storage *StorageConfig `json:"storage,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Commands    CommandsConfig    `json:"commands,omitempty"`
	Debug       DebugConfig       `json:"debug,omitempty"`
}

// CommandsConfig enables chat commands (/status, /jobs, /cancel, ...).
//
// Messages arrive through the transport: Telegram updates, or "<user> <text>"
// lines on stdin when stdin is set and the console transport is used.
// Operator commands need the "commands.operator" policy capability.
type CommandsConfig struct {
	Enabled       bool   `json:"enabled"`
	Stdin         bool   `json:"stdin,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	MaxFillVolume int    `json:"max_fill_volume,omitempty"`
}

// PlacerConfig controls the tick loop and queue limits.
//
// Numeric fields are pointers so an explicit 0 (e.g. hard_limit: 0 to disable
// per-user locking) can be told apart from an omitted key.
//
// Defaults (when omitted):
//   - interval: "750ms"
//   - talk_interval: 10
//   - block_count: 1000
//   - priority_block_count: 1000
//   - hard_limit: 500000
//   - soft_limit: 250000
//   - max_queue_size: 10000000
type PlacerConfig struct {
	Interval           string `json:"interval,omitempty"`
	TalkInterval       *int   `json:"talk_interval,omitempty"`
	BlockCount         *int   `json:"block_count,omitempty"`
	PriorityBlockCount *int   `json:"priority_block_count,omitempty"`
	HardLimit          *int   `json:"hard_limit,omitempty"`
	SoftLimit          *int   `json:"soft_limit,omitempty"`
	MaxQueueSize       *int   `json:"max_queue_size,omitempty"`
}

// PolicyConfig assigns users to groups. Groups carry capabilities
// ("queue.bypass", "queue.priority", "queue.talkative" or "*") and a job cap.
//
// Example:
//
//	"policy": {
//	  "default_group": "player",
//	  "groups": {
//	    "player": { "capabilities": ["queue.talkative"], "max_jobs": 2 },
//	    "staff":  { "capabilities": ["*"] }
//	  },
//	  "users": { "alice": "staff" }
//	}
type PolicyConfig struct {
	DefaultGroup string                 `json:"default_group,omitempty"`
	Groups       map[string]GroupConfig `json:"groups,omitempty"`
	Users        map[string]string      `json:"users,omitempty"`
}

type GroupConfig struct {
	Capabilities []string `json:"capabilities,omitempty"`
	// MaxJobs: omitted means unlimited, 0 forbids registering jobs.
	MaxJobs *int `json:"max_jobs,omitempty"`
}

// EligibilityConfig selects which edit operations go through the queue.
// A nil whitelist queues everything.
type EligibilityConfig struct {
	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`
	Debug     bool     `json:"debug,omitempty"`
}

type EditConfig struct {
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	StatusEvery   int    `json:"status_every,omitempty"`
}

// TransportConfig picks the channel used for user notifications and log relay.
//
// Kind is "console" (default) or "telegram".
type TransportConfig struct {
	Kind     string         `json:"kind,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
	// Chats maps placer users to private chats. Unmapped users fall back to
	// default_chat_id with their name prefixed.
	Chats         map[string]int64 `json:"chats,omitempty"`
	DefaultChatID int64            `json:"default_chat_id,omitempty"`
	ThreadID      int              `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Relay   LoggingRelay `json:"relay,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRelay forwards WARN+ lines to an operator through the transport.
type LoggingRelay struct {
	Enabled    bool   `json:"enabled"`
	User       string `json:"user,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the audit trail and dedup persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./blockplacer_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// MaintenanceConfig schedules housekeeping actions with cron specs.
type MaintenanceConfig struct {
	Enabled  bool         `json:"enabled"`
	Timezone string       `json:"timezone,omitempty"`
	Tasks    []TaskConfig `json:"tasks,omitempty"`
}

type TaskConfig struct {
	Name   string `json:"name"`
	Spec   string `json:"spec"`
	Action string `json:"action"`
}

// DebugConfig controls the operator HTTP server (health, snapshots, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback addr needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}
