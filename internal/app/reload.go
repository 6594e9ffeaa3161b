package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"notibridge/internal/config"
	logx "notibridge/pkg/logx"
)

// restartSections are read once at startup; a change is logged but not applied.
var restartSections = map[string]bool{
	"platform":        true,
	"cache":           true,
	"assets":          true,
	"storage":         true,
	"publisher.sinks": true,
	"http":            true,
	"pprof":           true,
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts: keep only the latest config in the channel
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections := changedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var pending []string
	for _, s := range sections {
		if restartSections[s] {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if dc, err := mapDispatcherConfig(next); err != nil {
		a.log.Warn("invalid publisher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
	}

	if err := a.resync.Apply(mapResyncConfig(next)); err != nil {
		a.log.Warn("snapshot schedule not applied", logx.Err(err))
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// changedSections names the top-level sections that differ between a and b.
// Publisher sink settings are reported as "publisher.sinks".
func changedSections(a, b *config.Config) []string {
	if a == nil || b == nil {
		if a == b {
			return nil
		}
		return []string{"all"}
	}
	type section struct {
		name string
		get  func(c *config.Config) any
	}
	sections := []section{
		{"logging", func(c *config.Config) any { return c.Logging }},
		{"platform", func(c *config.Config) any { return c.Platform }},
		{"cache", func(c *config.Config) any { return c.Cache }},
		{"assets", func(c *config.Config) any { return c.Assets }},
		{"publisher", func(c *config.Config) any {
			p := c.Publisher
			return []any{p.Workers, p.QueueSize, p.RatePerSec, p.SinkTimeout}
		}},
		{"publisher.sinks", func(c *config.Config) any {
			p := c.Publisher
			return []any{p.Archive, p.KeepImages, p.Telegram, p.MQTT}
		}},
		{"storage", func(c *config.Config) any { return c.Storage }},
		{"snapshot", func(c *config.Config) any { return c.Snapshot }},
		{"http", func(c *config.Config) any { return c.HTTP }},
		{"pprof", func(c *config.Config) any { return c.Pprof }},
	}

	var out []string
	for _, s := range sections {
		if !sameJSON(s.get(a), s.get(b)) {
			out = append(out, s.name)
		}
	}
	return out
}

func sameJSON(x, y any) bool {
	xb, err1 := json.Marshal(x)
	yb, err2 := json.Marshal(y)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(xb, yb)
}
