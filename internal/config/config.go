package config

import "time"

// Config is the root configuration for Taskdeck.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Store   StoreConfig   `json:"store"`
	Events  EventsConfig  `json:"events"`
	Runner  RunnerConfig  `json:"runner"`
	Notify  NotifyConfig  `json:"notify"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StoreConfig locates the embedded database.
type StoreConfig struct {
	Path string `json:"path"` // default: $TASKDECK_PATH/taskdeck.db
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogDir     string `json:"log_dir"` // default: $TASKDECK_PATH/events
}

// RunnerConfig configures admission, supervision and the interactive launcher.
type RunnerConfig struct {
	MaxConcurrent  int                      `json:"max_concurrent"`
	AllowedDirs    []string                 `json:"allowed_dirs"` // prefixes or doublestar globs
	DefaultDir     string                   `json:"default_dir"`
	GracePeriod    Duration                 `json:"grace_period"`
	OutputLimit    int                      `json:"output_limit"` // bytes
	LaunchTTL      Duration                 `json:"launch_ttl"`   // 0 disables the sweeper
	SweepSchedule  string                   `json:"sweep_schedule"`
	RecoverOrphans *bool                    `json:"recover_orphans,omitempty"`
	Backends       map[string]BackendConfig `json:"backends,omitempty"`
	Terminal       TerminalConfig           `json:"terminal"`
}

// ShouldRecover reports whether orphaned runs are failed at startup.
func (c RunnerConfig) ShouldRecover() bool {
	return c.RecoverOrphans == nil || *c.RecoverOrphans
}

// BackendConfig overrides how a CLI backend is invoked.
type BackendConfig struct {
	Binary string   `json:"binary,omitempty"`
	Args   []string `json:"args,omitempty"` // "{prompt}" is replaced by the run prompt
}

// TerminalConfig is the command used to open an interactive session.
// "{command}" in any element is replaced by the shell command to run.
type TerminalConfig struct {
	Command []string `json:"command,omitempty"`
}

// NotifyConfig configures outgoing notifications.
type NotifyConfig struct {
	DefaultWebhook string            `json:"default_webhook,omitempty"` // plain URL or ENC[age:...]
	Webhooks       map[string]string `json:"webhooks,omitempty"`        // workspace ID -> URL
	RatePerSec     float64           `json:"rate_per_sec"`
	Burst          int               `json:"burst"`
	Timeout        Duration          `json:"timeout"`
	AgeKey         string            `json:"age_key"` // default: $TASKDECK_PATH/.age-key
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
