package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/constrain/cache"
	"github.com/ollama/constrain/logutil"
)

var (
	// Set via CONSTRAIN_DEBUG in the environment
	Debug bool
	// Set via CONSTRAIN_DEBUG=2 in the environment
	Trace bool
	// Set via CONSTRAIN_CACHE_SIZE in the environment
	CacheSize int
	// Set via CONSTRAIN_EXECUTION_MODE in the environment
	ExecutionMode string
	// Set via CONSTRAIN_NUM_PARALLEL in the environment
	NumParallel int
	// Set via CONSTRAIN_ERROR_PREFIX in the environment
	ErrorPrefix string
	// Set via CONSTRAIN_ADAPTER in the environment
	Adapter string
	// Set via CONSTRAIN_CONFIG in the environment
	ConfigFile string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CONSTRAIN_DEBUG":          {"CONSTRAIN_DEBUG", Debug, "Show additional debug information (e.g. CONSTRAIN_DEBUG=1, 2 for trace)"},
		"CONSTRAIN_CACHE_SIZE":     {"CONSTRAIN_CACHE_SIZE", CacheSize, fmt.Sprintf("Acceptance cache entries, 0 disables (default %d)", cache.DefaultSize)},
		"CONSTRAIN_EXECUTION_MODE": {"CONSTRAIN_EXECUTION_MODE", ExecutionMode, "full_mask or speculation (default full_mask)"},
		"CONSTRAIN_NUM_PARALLEL":   {"CONSTRAIN_NUM_PARALLEL", NumParallel, "Hypotheses processed concurrently (default 1)"},
		"CONSTRAIN_ERROR_PREFIX":   {"CONSTRAIN_ERROR_PREFIX", ErrorPrefix, "Rule name prefix of error rules for lookahead blocking (default \"E\")"},
		"CONSTRAIN_ADAPTER":        {"CONSTRAIN_ADAPTER", Adapter, "Decoding loop adapter: transformers or llama_cpp (default transformers)"},
		"CONSTRAIN_CONFIG":         {"CONSTRAIN_CONFIG", ConfigFile, "Path to a TOML configuration file"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel returns the level selected by CONSTRAIN_DEBUG.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// getenv prefers the environment over the configuration file.
func getenv(file *Config, key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return file.Value(key)
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug, Trace = false, false
	CacheSize = cache.DefaultSize
	ExecutionMode = "full_mask"
	NumParallel = 1
	ErrorPrefix = "E"
	Adapter = "transformers"

	ConfigFile = clean("CONSTRAIN_CONFIG")
	file, path, err := loadConfigFile(ConfigFile)
	if err != nil {
		slog.Warn("failed to load config file", "error", err)
	} else if file != nil {
		ConfigFile = path
	}

	if debug := getenv(file, "CONSTRAIN_DEBUG"); debug != "" {
		if level, err := strconv.Atoi(debug); err == nil && level > 1 {
			Debug, Trace = true, true
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if size := getenv(file, "CONSTRAIN_CACHE_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			slog.Error("invalid setting", "CONSTRAIN_CACHE_SIZE", size, "error", err)
		} else {
			CacheSize = n
		}
	}

	if mode := getenv(file, "CONSTRAIN_EXECUTION_MODE"); mode != "" {
		switch mode {
		case "full_mask", "speculation":
			ExecutionMode = mode
		default:
			slog.Error("invalid setting, must be full_mask or speculation", "CONSTRAIN_EXECUTION_MODE", mode)
		}
	}

	if onp := getenv(file, "CONSTRAIN_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CONSTRAIN_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	if prefix := getenv(file, "CONSTRAIN_ERROR_PREFIX"); prefix != "" {
		ErrorPrefix = prefix
	}

	if adapter := getenv(file, "CONSTRAIN_ADAPTER"); adapter != "" {
		Adapter = adapter
	}
}
