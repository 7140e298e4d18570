package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Workers         int           `json:"workers" yaml:"workers"`
	QueueSize       int           `json:"queue_size" yaml:"queue_size"`
	RatePerSec      int           `json:"rate_per_sec" yaml:"rate_per_sec"`
	RetryMax        int           `json:"retry_max" yaml:"retry_max"`
	RetryBase       time.Duration `json:"retry_base" yaml:"retry_base"`
	RetryMaxDelay   time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
	DedupWindow     time.Duration `json:"dedup_window" yaml:"dedup_window"`
	DedupMaxEntries int           `json:"dedup_max_entries" yaml:"dedup_max_entries"`
	PersistDedup    bool          `json:"persist_dedup" yaml:"persist_dedup"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	User string    `json:"user"`
	Text string    `json:"text"`
}

// Event types published by the notifier.
const (
	EventDropped = "notifier.dropped"
	EventFailed  = "notifier.failed"
)
