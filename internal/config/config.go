// Package config loads runtime settings from the workspace .env file,
// nightlobster.yml and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	FileName  = "nightlobster.yml"
	EnvPrefix = "NIGHTLOBSTER"
)

type ProviderSettings struct {
	// Kind selects the completer, "openai" or "gemini".
	Kind    string        `yaml:"kind"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type QueueSettings struct {
	// RedisURL switches the job transport to Redis when set.
	RedisURL string `yaml:"redis_url"`
}

type WorkerSettings struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type APISettings struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	JWTSecret    string `yaml:"jwt_secret"`
	AuthDisabled bool   `yaml:"auth_disabled"`
}

type Settings struct {
	NightlyRunHourLocal           int    `yaml:"nightly_run_hour_local"`
	NightlyRunMaxRuntimeMinutes   int    `yaml:"nightly_run_max_runtime_minutes"`
	NightlySchedulerWindowMinutes int    `yaml:"nightly_scheduler_window_minutes"`
	Timezone                      string `yaml:"timezone"`
	// WorkspaceRoot is where evidence is read and artifacts are written.
	WorkspaceRoot string `yaml:"workspace_root"`
	// DocumentationPath is the scoped write target; empty uses docs/nightly/<run>.md.
	DocumentationPath string           `yaml:"documentation_path"`
	Provider          ProviderSettings `yaml:"provider"`
	Queue             QueueSettings    `yaml:"queue"`
	Worker            WorkerSettings   `yaml:"worker"`
	API               APISettings      `yaml:"api"`
}

// Default returns settings with every default applied.
func Default() Settings {
	return Settings{
		NightlyRunHourLocal:           21,
		NightlyRunMaxRuntimeMinutes:   120,
		NightlySchedulerWindowMinutes: 10,
		Provider: ProviderSettings{
			Kind:    "openai",
			Model:   "gpt-4.1-mini",
			Timeout: 45 * time.Second,
		},
		Worker: WorkerSettings{Concurrency: 2, PollInterval: time.Second},
		API:    APISettings{Addr: "127.0.0.1:8787"},
	}
}

// envAliases maps a settings key to the variables read for it. The
// NIGHTLOBSTER_ name always wins over the legacy names that follow it.
var envAliases = map[string][]string{
	"nightly_run_hour_local":           {"NIGHTLY_RUN_HOUR_LOCAL"},
	"nightly_run_max_runtime_minutes":  {"NIGHTLY_RUN_MAX_RUNTIME_MINUTES"},
	"nightly_scheduler_window_minutes": {"NIGHTLY_SCHEDULER_WINDOW_MINUTES"},
	"timezone":                         nil,
	"workspace_root":                   {"WORKSPACE_ROOT"},
	"documentation_path":               nil,
	"provider.kind":                    nil,
	"provider.api_key":                 {"OPENAI_API_KEY"},
	"provider.model":                   {"OPENAI_MODEL"},
	"provider.base_url":                {"OPENAI_BASE_URL"},
	"provider.timeout":                 nil,
	"queue.redis_url":                  {"REDIS_URL"},
	"worker.concurrency":               nil,
	"worker.poll_interval":             nil,
	"api.addr":                         nil,
	"api.base_path":                    nil,
	"api.jwt_secret":                   {"JWT_SECRET"},
	"api.auth_disabled":                nil,
}

// EnvName returns the prefixed variable for a settings key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load reads settings for workspace. v carries flag bindings from the CLI
// and may be nil. The result is validated.
func Load(workspace string, v *viper.Viper) (Settings, error) {
	if workspace == "" {
		workspace = "."
	}
	if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("load .env: %w", err)
	}
	s := Default()
	data, err := os.ReadFile(Path(workspace))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("invalid %s: %w", FileName, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Settings{}, err
	}
	if v == nil {
		v = viper.New()
	}
	for key, aliases := range envAliases {
		if err := v.BindEnv(append([]string{key, EnvName(key)}, aliases...)...); err != nil {
			return Settings{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	s.override(v)
	if s.WorkspaceRoot == "" {
		s.WorkspaceRoot = workspace
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) override(v *viper.Viper) {
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	setInt("nightly_run_hour_local", &s.NightlyRunHourLocal)
	setInt("nightly_run_max_runtime_minutes", &s.NightlyRunMaxRuntimeMinutes)
	setInt("nightly_scheduler_window_minutes", &s.NightlySchedulerWindowMinutes)
	setString("timezone", &s.Timezone)
	setString("workspace_root", &s.WorkspaceRoot)
	setString("documentation_path", &s.DocumentationPath)
	setString("provider.kind", &s.Provider.Kind)
	setString("provider.api_key", &s.Provider.APIKey)
	setString("provider.model", &s.Provider.Model)
	setString("provider.base_url", &s.Provider.BaseURL)
	setDuration("provider.timeout", &s.Provider.Timeout)
	setString("queue.redis_url", &s.Queue.RedisURL)
	setInt("worker.concurrency", &s.Worker.Concurrency)
	setDuration("worker.poll_interval", &s.Worker.PollInterval)
	setString("api.addr", &s.API.Addr)
	setString("api.base_path", &s.API.BasePath)
	setString("api.jwt_secret", &s.API.JWTSecret)
	if v.IsSet("api.auth_disabled") {
		s.API.AuthDisabled = v.GetBool("api.auth_disabled")
	}
}

// Validate reports every out-of-range setting at once.
func (s Settings) Validate() error {
	var errs []error
	if s.NightlyRunHourLocal < 0 || s.NightlyRunHourLocal > 23 {
		errs = append(errs, fmt.Errorf("nightly_run_hour_local must be in [0,23], got %d", s.NightlyRunHourLocal))
	}
	if s.NightlyRunMaxRuntimeMinutes < 1 || s.NightlyRunMaxRuntimeMinutes > 240 {
		errs = append(errs, fmt.Errorf("nightly_run_max_runtime_minutes must be in [1,240], got %d", s.NightlyRunMaxRuntimeMinutes))
	}
	if s.NightlySchedulerWindowMinutes < 1 || s.NightlySchedulerWindowMinutes > 60 {
		errs = append(errs, fmt.Errorf("nightly_scheduler_window_minutes must be in [1,60], got %d", s.NightlySchedulerWindowMinutes))
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", s.Timezone, err))
		}
	}
	switch s.Provider.Kind {
	case "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("provider.kind must be openai or gemini, got %q", s.Provider.Kind))
	}
	if s.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	if s.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be at least 1, got %d", s.Worker.Concurrency))
	}
	if s.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	return errors.Join(errs...)
}

// Location returns the scheduler's time zone, the process zone when unset.
func (s Settings) Location() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ProviderConfigured reports whether a reasoning credential is present.
func (s Settings) ProviderConfigured() bool {
	return s.Provider.APIKey != ""
}

// Path returns the settings file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault renders the default settings as YAML without secrets.
func GenerateDefault() (string, error) {
	out, err := yaml.Marshal(Default())
	if err != nil {
		return "", err
	}
	return string(out), nil
}
