package config

import (
	"os"
	"path/filepath"
)

// TaskdeckPath returns the root directory for Taskdeck data.
// It uses $TASKDECK_PATH if set, otherwise defaults to ~/.taskdeck.
func TaskdeckPath() string {
	if v := os.Getenv("TASKDECK_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".taskdeck")
	}
	return filepath.Join(home, ".taskdeck")
}

// ConfigPath returns the path to the Taskdeck config file.
func ConfigPath() string {
	return filepath.Join(TaskdeckPath(), "config.jsonc")
}

// DotenvPath returns the path to the Taskdeck .env file.
func DotenvPath() string {
	return filepath.Join(TaskdeckPath(), ".env")
}

// DBPath returns the default path of the run database.
func DBPath() string {
	return filepath.Join(TaskdeckPath(), "taskdeck.db")
}

// EventsDir returns the default directory of the JSONL event logs.
func EventsDir() string {
	return filepath.Join(TaskdeckPath(), "events")
}

// AgeKeyPath returns the default path of the age identity.
func AgeKeyPath() string {
	return filepath.Join(TaskdeckPath(), ".age-key")
}

// HeartbeatPath returns the path of the liveness file written by the server.
func HeartbeatPath() string {
	return filepath.Join(TaskdeckPath(), "heartbeat.json")
}
