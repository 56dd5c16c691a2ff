package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Env overrides for injection tuning. Values are seconds (float accepted).
const (
	EnvSubmitDelay      = "CREW_SUBMIT_DELAY"
	EnvSubmitNudgeAfter = "CREW_SUBMIT_NUDGE_AFTER"
	EnvSubmitNudgeMax   = "CREW_SUBMIT_NUDGE_MAX"
	// EnvTeamDir overrides the per-project team directory location.
	EnvTeamDir = "CREW_TEAM_DIR"
)

// InjectConfig tunes prompt delivery into a worker's terminal session.
type InjectConfig struct {
	PasteThreshold  int     `json:"paste_threshold,omitempty"`   // chars above which paste mode is used (default 200)
	SettleDelaySec  float64 `json:"settle_delay_sec,omitempty"`  // delay between text and submit key (default 0.5)
	NudgeAfterSec   float64 `json:"nudge_after_sec,omitempty"`   // interval between submit-key nudges (default 0.7)
	NudgeMax        int     `json:"nudge_max,omitempty"`         // max submit-key nudges (default 3)
	ReplyTimeoutSec float64 `json:"reply_timeout_sec,omitempty"` // default reply wait (default 30)
}

// GlobalConfig holds user-level settings stored in ~/.crew/config.json.
type GlobalConfig struct {
	WorkersRoot  string       `json:"workers_root,omitempty"`  // isolated worker homes (default ~/.crew/workers)
	TemplateHome string       `json:"template_home,omitempty"` // agent home template synced into each worker (default ~/.codex)
	AgentCommand string       `json:"agent_command,omitempty"` // interactive agent binary (default "codex")
	Inject       InjectConfig `json:"inject,omitempty"`
}

// Dir returns the global crew config directory (~/.crew), creating it if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".crew")
	os.MkdirAll(dir, 0o755)
	return dir
}

func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads ~/.crew/config.json, returning defaults if the file is absent.
func Load() (*GlobalConfig, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &GlobalConfig{}, nil
		}
		return nil, err
	}
	var cfg GlobalConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the global config to ~/.crew/config.json.
func Save(cfg *GlobalConfig) error {
	if cfg == nil {
		cfg = &GlobalConfig{}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), append(data, '\n'), 0o644)
}

// EffectiveWorkersRoot resolves the workers root, defaulting to ~/.crew/workers.
func (c *GlobalConfig) EffectiveWorkersRoot() string {
	if s := strings.TrimSpace(c.WorkersRoot); s != "" {
		return expandHome(s)
	}
	return filepath.Join(Dir(), "workers")
}

// EffectiveTemplateHome resolves the home template, defaulting to ~/.codex.
func (c *GlobalConfig) EffectiveTemplateHome() string {
	if s := strings.TrimSpace(c.TemplateHome); s != "" {
		return expandHome(s)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".codex")
}

// EffectiveAgentCommand resolves the agent binary, defaulting to "codex".
func (c *GlobalConfig) EffectiveAgentCommand() string {
	if s := strings.TrimSpace(c.AgentCommand); s != "" {
		return s
	}
	return "codex"
}

// EffectivePasteThreshold returns the literal-vs-paste cutoff in characters.
func (c *InjectConfig) EffectivePasteThreshold() int {
	if c.PasteThreshold > 0 {
		return c.PasteThreshold
	}
	return 200
}

// EffectiveSettleDelay honors CREW_SUBMIT_DELAY over the config value.
func (c *InjectConfig) EffectiveSettleDelay() time.Duration {
	if d, ok := envSeconds(EnvSubmitDelay); ok {
		return d
	}
	if c.SettleDelaySec > 0 {
		return secondsDuration(c.SettleDelaySec)
	}
	return 500 * time.Millisecond
}

// EffectiveNudgeAfter honors CREW_SUBMIT_NUDGE_AFTER over the config value.
func (c *InjectConfig) EffectiveNudgeAfter() time.Duration {
	if d, ok := envSeconds(EnvSubmitNudgeAfter); ok {
		return d
	}
	if c.NudgeAfterSec > 0 {
		return secondsDuration(c.NudgeAfterSec)
	}
	return 700 * time.Millisecond
}

// EffectiveNudgeMax honors CREW_SUBMIT_NUDGE_MAX over the config value.
func (c *InjectConfig) EffectiveNudgeMax() int {
	if raw := strings.TrimSpace(os.Getenv(EnvSubmitNudgeMax)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	if c.NudgeMax > 0 {
		return c.NudgeMax
	}
	return 3
}

// EffectiveReplyTimeout returns the default reply wait.
func (c *InjectConfig) EffectiveReplyTimeout() time.Duration {
	if c.ReplyTimeoutSec > 0 {
		return secondsDuration(c.ReplyTimeoutSec)
	}
	return 30 * time.Second
}

// TeamDir resolves the team state directory: CREW_TEAM_DIR if set, else
// <projectDir>/.crew.
func TeamDir(projectDir string) string {
	if s := strings.TrimSpace(os.Getenv(EnvTeamDir)); s != "" {
		return expandHome(s)
	}
	return filepath.Join(projectDir, ".crew")
}

func envSeconds(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return secondsDuration(f), true
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
