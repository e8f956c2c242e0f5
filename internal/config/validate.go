package config

import (
	"errors"
	"fmt"
	"strings"
)

var validLevels = map[string]struct{}{
	"": {}, "trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {},
}

// Validate checks the cross-cutting invariants a strict decode cannot:
// duration strings must parse and a storage path must be present.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, ok := validLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))]; !ok {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Fanout.QueueSize == 1 {
		return errors.New("fanout.queue_size: must be 0 (default) or at least 2, a full queue has to fit a gap marker plus one event")
	}
	durations := []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.prune_after", c.Storage.PruneAfter},
		{"scheduler.fire_timeout", c.Scheduler.FireTimeout},
		{"scheduler.retry_base", c.Scheduler.RetryBase},
		{"scheduler.retry_max_delay", c.Scheduler.RetryMaxDelay},
		{"publisher.retry_base", c.Publisher.RetryBase},
		{"publisher.call_timeout", c.Publisher.CallTimeout},
		{"fanout.heartbeat_interval", c.Fanout.HeartbeatInterval},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
