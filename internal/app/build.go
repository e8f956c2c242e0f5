package app

import (
	"taskpulse/internal/config"
	"taskpulse/internal/fanout"
	"taskpulse/internal/publisher"
	"taskpulse/internal/scheduler"
	"taskpulse/internal/transport/httpapi"
)

// The build helpers translate duration strings from the config file
// into the typed component configs. Zero values fall through to each
// component's own defaults.

func buildSchedulerConfig(c config.SchedulerConfig) (scheduler.Config, error) {
	fireTimeout, err := config.ParseDurationField("scheduler.fire_timeout", c.FireTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryBase, err := config.ParseDurationField("scheduler.retry_base", c.RetryBase)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("scheduler.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		FireTimeout:   fireTimeout,
		RetryMax:      c.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}

func buildPublisherConfig(c config.PublisherConfig) (publisher.Config, error) {
	retryBase, err := config.ParseDurationField("publisher.retry_base", c.RetryBase)
	if err != nil {
		return publisher.Config{}, err
	}
	callTimeout, err := config.ParseDurationField("publisher.call_timeout", c.CallTimeout)
	if err != nil {
		return publisher.Config{}, err
	}
	return publisher.Config{
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		RatePerSec:  c.RatePerSec,
		RetryMax:    c.RetryMax,
		RetryBase:   retryBase,
		CallTimeout: callTimeout,
	}, nil
}

func buildFanoutConfig(c config.FanoutConfig) (fanout.Config, error) {
	heartbeat, err := config.ParseDurationField("fanout.heartbeat_interval", c.HeartbeatInterval)
	if err != nil {
		return fanout.Config{}, err
	}
	return fanout.Config{
		QueueSize:         c.QueueSize,
		HistorySize:       c.HistorySize,
		HeartbeatInterval: heartbeat,
	}, nil
}

func buildHTTPConfig(c config.HTTPConfig) (httpapi.Config, error) {
	readTimeout, err := config.ParseDurationField("http.read_timeout", c.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	writeTimeout, err := config.ParseDurationField("http.write_timeout", c.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idleTimeout, err := config.ParseDurationField("http.idle_timeout", c.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      c.Enabled,
		Addr:         c.Addr,
		Token:        c.Token,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}, nil
}
