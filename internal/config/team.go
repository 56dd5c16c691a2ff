package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TeamConfig is the per-project configuration stored at <team-dir>/team.yaml.
// Everything is optional; zero values fall back to defaults.
type TeamConfig struct {
	Policy PolicyConfig `yaml:"policy"`
	Inbox  InboxConfig  `yaml:"inbox"`
	Gather GatherConfig `yaml:"gather"`
	Watch  WatchConfig  `yaml:"watch"`
}

// PolicyConfig declares the role hierarchy and communication rules.
type PolicyConfig struct {
	RootRole     string              `yaml:"root_role"`
	EnabledRoles []string            `yaml:"enabled_roles"`
	CanHire      map[string][]string `yaml:"can_hire"`
	Broadcast    BroadcastConfig     `yaml:"broadcast"`
	Comm         CommConfig          `yaml:"comm"`
}

// BroadcastConfig limits which roles may broadcast and which are excluded
// from broadcast fan-out.
type BroadcastConfig struct {
	AllowedRoles []string `yaml:"allowed_roles"`
	ExcludeRoles []string `yaml:"exclude_roles"`
}

// CommConfig declares who may message whom. Nil booleans mean "default".
type CommConfig struct {
	AllowParentChild *bool               `yaml:"allow_parent_child"` // default true
	RequireHandoff   *bool               `yaml:"require_handoff"`    // default true
	DirectAllow      map[string][]string `yaml:"direct_allow"`       // symmetric role pairs
	HandoffCreators  []string            `yaml:"handoff_creators"`   // default: root role only
}

// InboxConfig tunes the durable inbox.
type InboxConfig struct {
	MaxUnreadPerThread int `yaml:"max_unread_per_thread"` // default 20
}

// GatherConfig tunes reply-needed requests.
type GatherConfig struct {
	DefaultTimeout string `yaml:"default_timeout"` // duration, default "2h"
}

// WatchConfig tunes the background watcher.
type WatchConfig struct {
	Interval string `yaml:"interval"` // duration, default "30s"
}

// EffectiveMaxUnreadPerThread returns the per-sender unread cap.
func (c *InboxConfig) EffectiveMaxUnreadPerThread() int {
	if c.MaxUnreadPerThread > 0 {
		return c.MaxUnreadPerThread
	}
	return 20
}

// LoadTeam reads a team.yaml. A missing file yields the zero config.
func LoadTeam(path string) (*TeamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &TeamConfig{}, nil
		}
		return nil, err
	}
	var cfg TeamConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
