package config

// Config is the bot's infrastructure configuration, loaded from a JSON
// or YAML file. Operator-tunable runtime knobs (escalation cadence,
// message template) live in the settings table instead, so they can be
// changed without touching the deployment.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Escalation EscalationConfig `json:"escalation"`
	Broadcast  BroadcastConfig  `json:"broadcast"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	ParseMode string `json:"parse_mode,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EscalationConfig holds the engine defaults. The settings table
// overrides delay/interval/template at timer-arm time.
type EscalationConfig struct {
	Status         string `json:"status,omitempty"`          // default "processing"
	Role           string `json:"role,omitempty"`            // default "courier"
	InitialDelay   string `json:"initial_delay,omitempty"`   // default "15m"
	RepeatInterval string `json:"repeat_interval,omitempty"` // default "10m"
	Template       string `json:"template,omitempty"`

	// Sweep is a cron spec for the periodic re-arm pass (safety net for
	// timers lost across restarts). Empty disables it; runs once at
	// boot regardless.
	Sweep string `json:"sweep,omitempty"` // e.g. "@every 5m"
}

type BroadcastConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 20
}
