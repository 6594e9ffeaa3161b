package config

// Config is the bridge configuration file. Durations are Go duration strings
// ("500ms", "10s", "1m"); an empty string picks the documented default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Platform  PlatformConfig  `json:"platform"`
	Cache     CacheConfig     `json:"cache"`
	Assets    AssetsConfig    `json:"assets"`
	Publisher PublisherConfig `json:"publisher"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Snapshot  SnapshotConfig  `json:"snapshot"`
	HTTP      HTTPConfig      `json:"http"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "console" (default) or "json" for stdout.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PlatformConfig selects the notification source.
//
//	"platform": { "driver": "spool", "dir": "./spool", "sdk_version": 34 }
type PlatformConfig struct {
	Driver string `json:"driver"` // spool (default)
	Dir    string `json:"dir"`
	// SDKVersion gates capabilities such as large icons; 0 means 34.
	SDKVersion int    `json:"sdk_version,omitempty"`
	Debounce   string `json:"debounce,omitempty"`
}

// CacheConfig bounds the reply-action cache. MaxEntries 0 keeps it unbounded;
// a positive value evicts the least recently used id.
type CacheConfig struct {
	MaxEntries int `json:"max_entries"`
}

// AssetsConfig tunes image extraction.
type AssetsConfig struct {
	// IconCacheTTL keeps encoded app icons in memory; empty disables it.
	IconCacheTTL string `json:"icon_cache_ttl,omitempty"`
}

// PublisherConfig controls the async outbound pipeline and its sinks.
type PublisherConfig struct {
	Workers     int    `json:"workers"`
	QueueSize   int    `json:"queue_size"`
	RatePerSec  int    `json:"rate_per_sec"`
	SinkTimeout string `json:"sink_timeout,omitempty"`

	// Archive writes events to storage when storage is configured.
	Archive    bool `json:"archive"`
	KeepImages bool `json:"keep_images,omitempty"`

	Telegram *TelegramSinkConfig `json:"telegram,omitempty"`
	MQTT     *MQTTSinkConfig     `json:"mqtt,omitempty"`
}

type TelegramSinkConfig struct {
	Enabled          bool   `json:"enabled"`
	Token            string `json:"token"`
	ChatID           int64  `json:"chat_id"`
	ThreadID         int    `json:"thread_id,omitempty"`
	SendImages       bool   `json:"send_images,omitempty"`
	IncludeSnapshots bool   `json:"include_snapshots,omitempty"`
	IncludeRemovals  bool   `json:"include_removals,omitempty"`
}

type MQTTSinkConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	QoS         int    `json:"qos,omitempty"`
	Retain      bool   `json:"retain,omitempty"`
	KeepImages  bool   `json:"keep_images,omitempty"`
}

// StorageConfig controls the record archive.
//
//	"storage": { "driver": "sqlite", "path": "./data/archive.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SnapshotConfig schedules the periodic resync. Schedule accepts cron,
// HH:MM or a duration; empty disables the job.
type SnapshotConfig struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

// HTTPConfig controls the read-only query API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8787"
	// CORSOrigins enables CORS for the listed origins.
	CORSOrigins []string `json:"cors_origins,omitempty"`
	Metrics     bool     `json:"metrics,omitempty"`
}

// PprofConfig controls the optional pprof server. Prefer a loopback address;
// a non-loopback address needs a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
