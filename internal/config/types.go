package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration written as a string ("90s", "168h") in JSON.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// CacheConfig configures the evictable artifact cache.
type CacheConfig struct {
	Dir              string   `json:"dir"`
	MemoryCountLimit int      `json:"memory_count_limit"`
	MemoryCostLimit  int64    `json:"memory_cost_limit"` // Bytes
	DiskLimit        int64    `json:"disk_limit"`        // Bytes
	MaxAge           Duration `json:"max_age"`
}

// DurableConfig configures the durable artifact store.
type DurableConfig struct {
	Dir              string `json:"dir"`
	MemoryCountLimit int    `json:"memory_count_limit"`
	MemoryCostLimit  int64  `json:"memory_cost_limit"`
}

// GenerationConfig selects the image backend and its retry policy.
type GenerationConfig struct {
	Backend   string   `json:"backend"`               // "http" or "command"
	Endpoint  string   `json:"endpoint,omitempty"`    // HTTP endpoint
	APIKeyEnv string   `json:"api_key_env,omitempty"` // Environment variable holding the API key
	Command   string   `json:"command,omitempty"`     // Generator executable for the command backend
	Args      []string `json:"args,omitempty"`        // "{reference}" is replaced by the reference image path
	Size      string   `json:"size,omitempty"`
	Timeout   Duration `json:"timeout"`

	MaxAttempts      int      `json:"max_attempts"`
	BaseDelay        Duration `json:"base_delay"`
	Jitter           Duration `json:"jitter"`
	Rate             float64  `json:"rate,omitempty"` // Requests per second; 0 is unlimited
	Burst            int      `json:"burst,omitempty"`
	BreakerThreshold uint32   `json:"breaker_threshold"`
	BreakerTimeout   Duration `json:"breaker_timeout"`
}

// APIKey reads the API key from the configured environment variable.
func (g GenerationConfig) APIKey() string {
	if g.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(g.APIKeyEnv)
}

// LoopConfig configures the processing loop.
type LoopConfig struct {
	Workers      int      `json:"workers"`
	PollInterval Duration `json:"poll_interval"`
}

// DatabaseConfig locates the queue snapshot database.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// Config is the top-level configuration.
type Config struct {
	Cache      CacheConfig      `json:"cache"`
	Durable    DurableConfig    `json:"durable"`
	Generation GenerationConfig `json:"generation"`
	Loop       LoopConfig       `json:"loop"`
	Database   DatabaseConfig   `json:"database"`
}
