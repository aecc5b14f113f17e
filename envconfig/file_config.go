package envconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
)

// Config represents the TOML configuration structure
type Config struct {
	Logging struct {
		Debug string `mapstructure:"debug"`
	} `mapstructure:"logging"`

	Cache struct {
		Size *int `mapstructure:"size"`
	} `mapstructure:"cache"`

	Filter struct {
		ExecutionMode string `mapstructure:"execution_mode"`
		NumParallel   int    `mapstructure:"num_parallel"`
		ErrorPrefix   string `mapstructure:"error_prefix"`
		Adapter       string `mapstructure:"adapter"`
	} `mapstructure:"filter"`
}

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "constrain", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "constrain", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".config", "constrain", "config.toml"))
		}
	}

	return paths
}

// loadConfigFile reads path, or the first existing default path if path is
// empty. It returns a nil Config if there is nothing to read.
func loadConfigFile(path string) (*Config, string, error) {
	paths := []string{path}
	if path == "" {
		paths = GetConfigPaths()
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if path != "" {
				return nil, "", err
			}
			continue
		}

		cfg, err := ReadConfigFile(p)
		if err != nil {
			return nil, "", err
		}
		return cfg, p, nil
	}
	return nil, "", nil
}

// ReadConfigFile parses a TOML file. Values are weakly typed: a number may
// be written as a string and a flag as 0 or 1.
func ReadConfigFile(path string) (*Config, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("error decoding config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Value returns the file's setting for an environment variable, or "" if
// the file does not set it.
func (c *Config) Value(key string) string {
	if c == nil {
		return ""
	}

	switch key {
	case "CONSTRAIN_DEBUG":
		return c.Logging.Debug
	case "CONSTRAIN_CACHE_SIZE":
		if c.Cache.Size != nil {
			return strconv.Itoa(*c.Cache.Size)
		}
	case "CONSTRAIN_EXECUTION_MODE":
		return c.Filter.ExecutionMode
	case "CONSTRAIN_NUM_PARALLEL":
		if c.Filter.NumParallel > 0 {
			return strconv.Itoa(c.Filter.NumParallel)
		}
	case "CONSTRAIN_ERROR_PREFIX":
		return c.Filter.ErrorPrefix
	case "CONSTRAIN_ADAPTER":
		return c.Filter.Adapter
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# constrain configuration file
# Environment variables take precedence over values set here.

[logging]
# 1 for debug, 2 for trace (default: off)
debug = "0"

[cache]
# Acceptance cache entries, 0 disables caching (default: 32768)
size = 32768

[filter]
# full_mask or speculation (default: "full_mask")
execution_mode = "full_mask"
# Hypotheses processed concurrently (default: 1)
num_parallel = 1
# Rules starting with this prefix are error rules for lookahead blocking
error_prefix = "E"
# Decoding loop adapter: "transformers" or "llama_cpp"
adapter = "transformers"
`
}
