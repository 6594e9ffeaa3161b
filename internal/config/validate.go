package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"notibridge/internal/schedule"
	logx "notibridge/pkg/logx"
)

// Validate checks cfg and reports every problem by key path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add("logging.level: unknown level %q", lvl)
	}
	if !logx.ValidFormat(cfg.Logging.Format) {
		add("logging.format: unknown format %q", cfg.Logging.Format)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled=true")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Platform.Driver)); d {
	case "", "spool":
		if strings.TrimSpace(cfg.Platform.Dir) == "" {
			add("platform.dir is required")
		}
	default:
		add("platform.driver: unknown driver %q", cfg.Platform.Driver)
	}
	if cfg.Platform.SDKVersion < 0 {
		add("platform.sdk_version must be >= 0")
	}
	dur("platform.debounce", cfg.Platform.Debounce)

	if cfg.Cache.MaxEntries < 0 {
		add("cache.max_entries must be >= 0")
	}
	dur("assets.icon_cache_ttl", cfg.Assets.IconCacheTTL)

	p := cfg.Publisher
	if p.Workers < 0 {
		add("publisher.workers must be >= 0")
	}
	if p.QueueSize < 0 {
		add("publisher.queue_size must be >= 0")
	}
	if p.RatePerSec < 0 {
		add("publisher.rate_per_sec must be >= 0")
	}
	dur("publisher.sink_timeout", p.SinkTimeout)
	if p.Archive && !StorageEnabled(cfg) {
		add("publisher.archive requires storage")
	}
	if t := p.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add("publisher.telegram.token is required when enabled")
		}
		if t.ChatID == 0 {
			add("publisher.telegram.chat_id is required when enabled")
		}
	}
	if mq := p.MQTT; mq != nil && mq.Enabled {
		if strings.TrimSpace(mq.Broker) == "" {
			add("publisher.mqtt.broker is required when enabled")
		}
		if mq.QoS < 0 || mq.QoS > 2 {
			add("publisher.mqtt.qos must be 0, 1 or 2")
		}
	}

	if st := cfg.Storage; st != nil {
		switch d := strings.ToLower(strings.TrimSpace(st.Driver)); d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path is required when storage.driver=%s", d)
			}
		default:
			add("storage.driver: unknown driver %q", st.Driver)
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if s := strings.TrimSpace(cfg.Snapshot.Schedule); s != "" {
		if _, err := schedule.Parse(s); err != nil {
			add("snapshot.schedule: %v", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Snapshot.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		if _, err := time.LoadLocation(tz); err != nil {
			add("snapshot.timezone: %v", err)
		}
	}

	if cfg.HTTP.Enabled && cfg.HTTP.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
			add("http.addr: %v", err)
		}
	}
	if pp := cfg.Pprof; pp.Enabled && pp.Addr != "" {
		host, _, err := net.SplitHostPort(pp.Addr)
		switch {
		case err != nil:
			add("pprof.addr: %v", err)
		case !isLoopback(host) && pp.Token == "" && !pp.AllowInsecure:
			add("pprof.addr %s is not loopback; set pprof.token or pprof.allow_insecure", pp.Addr)
		}
	}
	return errors.Join(errs...)
}

// StorageEnabled reports whether a storage driver other than none is set.
func StorageEnabled(cfg *Config) bool {
	if cfg == nil || cfg.Storage == nil {
		return false
	}
	d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	return d != "" && d != "none"
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
