// Package eligibility decides which edit operations go through the
// placement queue. Operations matching the blacklist are applied directly;
// the rest are queued when they match the whitelist.
package eligibility

import (
	"fmt"
	"regexp"
	"sync"

	logx "blockplacer/pkg/logx"
)

type Config struct {
	Whitelist []string `json:"whitelist" yaml:"whitelist"`
	Blacklist []string `json:"blacklist" yaml:"blacklist"`
	// Debug logs every decision with the matching pattern.
	Debug bool `json:"debug" yaml:"debug"`
}

func DefaultConfig() Config {
	return Config{Whitelist: []string{".*"}}
}

type rules struct {
	white []*regexp.Regexp
	black []*regexp.Regexp
	debug bool
}

type Classifier struct {
	mu  sync.RWMutex
	r   rules
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Classifier, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Classifier{log: log.With(logx.String("comp", "eligibility"))}
	if err := c.Update(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Update recompiles the pattern lists. On error the previous rules stay.
func (c *Classifier) Update(cfg Config) error {
	r, err := compile(cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.r = r
	c.mu.Unlock()
	return nil
}

// Validate reports the first pattern that fails to compile.
func (cfg Config) Validate() error {
	_, err := compile(cfg)
	return err
}

func compile(cfg Config) (rules, error) {
	r := rules{debug: cfg.Debug}
	for _, p := range cfg.Blacklist {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return rules{}, fmt.Errorf("eligibility: blacklist %q: %w", p, err)
		}
		r.black = append(r.black, re)
	}
	for _, p := range cfg.Whitelist {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return rules{}, fmt.Errorf("eligibility: whitelist %q: %w", p, err)
		}
		r.white = append(r.white, re)
	}
	return r, nil
}

// Queued reports whether op should be placed through the scheduler.
func (c *Classifier) Queued(op string) bool {
	c.mu.RLock()
	r := c.r
	c.mu.RUnlock()

	for _, re := range r.black {
		if re.MatchString(op) {
			if r.debug {
				c.log.Debug("operation blacklisted", logx.String("op", op), logx.String("pattern", re.String()))
			}
			return false
		}
	}
	for _, re := range r.white {
		if re.MatchString(op) {
			if r.debug {
				c.log.Debug("operation whitelisted", logx.String("op", op), logx.String("pattern", re.String()))
			}
			return true
		}
	}
	if r.debug {
		c.log.Debug("operation not listed", logx.String("op", op))
	}
	return false
}
