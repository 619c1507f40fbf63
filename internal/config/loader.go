// Package config loads gorum's application-level settings: logging, memory
// policy and scheduler command templates. Per-job settings live in
// pkg/jobconfig.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"
)

// AppName is used for the env prefix and the user config location.
const AppName = "gorum"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GORUM"

// Config is the resolved application configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	RAM     RAMConfig     `mapstructure:"ram"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Local   LocalConfig   `mapstructure:"local"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// RAMConfig controls the memory sizing check.
type RAMConfig struct {
	// Policy is one of warn, prompt or abort.
	Policy     string  `mapstructure:"policy"`
	UpperBound float64 `mapstructure:"upper_bound_gb"`
	// TotalGB overrides memory detection when set (useful on cluster nodes
	// where the submit host is not representative).
	TotalGB float64 `mapstructure:"total_gb"`
}

// ClusterConfig holds the scheduler command templates.
type ClusterConfig struct {
	SubmitCommand string        `mapstructure:"submit_command"`
	StatusCommand string        `mapstructure:"status_command"`
	CancelCommand string        `mapstructure:"cancel_command"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SubmitRetries int           `mapstructure:"submit_retries"`
}

type LocalConfig struct {
	// MaxParallel bounds concurrently running chunk processes. 0 runs all
	// chunks at once.
	MaxParallel int `mapstructure:"max_parallel"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Defaults returns the built-in default values keyed by viper path.
func Defaults() map[string]any {
	return map[string]any{
		"logging.level":          "info",
		"logging.profile":        "structured",
		"ram.policy":             "warn",
		"ram.upper_bound_gb":     6.0,
		"ram.total_gb":           0.0,
		"cluster.submit_command": "qsub -V -cwd -b y -N {{.Name}} -o {{.Stdout}} -e {{.Stderr}} {{.Command}}",
		"cluster.status_command": "qstat -j {{.ID}}",
		"cluster.cancel_command": "qdel {{.ID}}",
		"cluster.poll_interval":  "30s",
		"cluster.submit_retries": 3,
		"local.max_parallel":     0,
	}
}

// envAliases are the short env names kept alongside the derived ones.
var envAliases = map[string]string{
	"logging.level":          EnvPrefix + "_LOG_LEVEL",
	"ram.policy":             EnvPrefix + "_RAM_POLICY",
	"cluster.submit_command": EnvPrefix + "_SUBMIT_COMMAND",
	"cluster.status_command": EnvPrefix + "_STATUS_COMMAND",
}

// Load resolves configuration with precedence runtime overrides > env >
// user config file > defaults, and stores it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		derived := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, derived, alias); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", alias, err)
		}
	}

	if path := UserConfigPath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// UserConfigPath is the optional per-user config file. GORUM_CONFIG wins
// over the app data directory location.
func UserConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); p != "" {
		return p
	}
	dir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dir) == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// EnvNames lists every environment variable Load consults, sorted.
func EnvNames() []string {
	seen := make(map[string]bool)
	for key := range Defaults() {
		seen[EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))] = true
	}
	for _, alias := range envAliases {
		seen[alias] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
