package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"blockplacer/internal/placer"
)

// Wildcard grants every capability.
const Wildcard = "*"

// Group is a named set of capabilities plus a job cap.
type Group struct {
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	// MaxJobs caps concurrent jobs; nil or negative means unlimited.
	MaxJobs *int `json:"max_jobs,omitempty" yaml:"max_jobs,omitempty"`
}

type Config struct {
	// DefaultGroup applies to users not listed in Users.
	DefaultGroup string            `json:"default_group" yaml:"default_group"`
	Groups       map[string]Group  `json:"groups" yaml:"groups"`
	Users        map[string]string `json:"users" yaml:"users"`
}

// Validate checks that every referenced group exists.
func (c Config) Validate() error {
	if c.DefaultGroup != "" {
		if _, ok := c.Groups[c.DefaultGroup]; !ok {
			return fmt.Errorf("policy: default_group %q is not defined", c.DefaultGroup)
		}
	}
	users := make([]string, 0, len(c.Users))
	for u := range c.Users {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		if _, ok := c.Groups[c.Users[u]]; !ok {
			return fmt.Errorf("policy: user %q references unknown group %q", u, c.Users[u])
		}
	}
	return nil
}

type compiledGroup struct {
	allowAll bool
	caps     map[placer.Capability]struct{}
	maxJobs  int
}

// Service answers placer capability questions from a hot-swappable table.
type Service struct {
	mu     sync.RWMutex
	groups map[string]compiledGroup
	users  map[string]string
	def    string
}

func New(cfg Config) *Service {
	s := &Service{}
	s.Update(cfg)
	return s
}

// Update replaces the table atomically. Users, groups and capability names
// are matched case-insensitively.
func (s *Service) Update(cfg Config) {
	groups := make(map[string]compiledGroup, len(cfg.Groups))
	for name, g := range cfg.Groups {
		cg := compiledGroup{caps: map[placer.Capability]struct{}{}, maxJobs: -1}
		for _, c := range g.Capabilities {
			c = strings.ToLower(strings.TrimSpace(c))
			switch c {
			case "":
				continue
			case Wildcard:
				cg.allowAll = true
			default:
				cg.caps[placer.Capability(c)] = struct{}{}
			}
		}
		if g.MaxJobs != nil && *g.MaxJobs >= 0 {
			cg.maxJobs = *g.MaxJobs
		}
		groups[strings.ToLower(name)] = cg
	}
	users := make(map[string]string, len(cfg.Users))
	for u, g := range cfg.Users {
		users[strings.ToLower(u)] = strings.ToLower(g)
	}

	s.mu.Lock()
	s.groups = groups
	s.users = users
	s.def = strings.ToLower(cfg.DefaultGroup)
	s.mu.Unlock()
}

func (s *Service) groupOf(user string) (compiledGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.users[strings.ToLower(user)]
	if !ok {
		name = s.def
	}
	g, ok := s.groups[name]
	return g, ok
}

func (s *Service) HasCapability(user string, c placer.Capability) bool {
	g, ok := s.groupOf(user)
	if !ok {
		return false
	}
	if g.allowAll {
		return true
	}
	_, ok = g.caps[placer.Capability(strings.ToLower(string(c)))]
	return ok
}

// MaxJobs returns the user's job cap. Users without a group get none.
func (s *Service) MaxJobs(user string) int {
	g, ok := s.groupOf(user)
	if !ok {
		return 0
	}
	return g.maxJobs
}

// Group returns the group name that applies to user.
func (s *Service) Group(user string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.users[strings.ToLower(user)]; ok {
		return g
	}
	return s.def
}
