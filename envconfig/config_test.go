package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/constrain/cache"
	"github.com/ollama/constrain/logutil"
)

// isolate keeps the default config paths away from the developer's home.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("APPDATA", home)
	t.Setenv("CONSTRAIN_CONFIG", "")
}

func TestConfig(t *testing.T) {
	isolate(t)

	t.Setenv("CONSTRAIN_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	require.Equal(t, slog.LevelInfo, LogLevel())

	t.Setenv("CONSTRAIN_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)

	t.Setenv("CONSTRAIN_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	require.Equal(t, slog.LevelDebug, LogLevel())

	t.Setenv("CONSTRAIN_DEBUG", "2")
	LoadConfig()
	require.True(t, Trace)
	require.Equal(t, logutil.LevelTrace, LogLevel())
}

func TestDefaults(t *testing.T) {
	isolate(t)
	for _, k := range []string{"CONSTRAIN_DEBUG", "CONSTRAIN_CACHE_SIZE", "CONSTRAIN_EXECUTION_MODE", "CONSTRAIN_NUM_PARALLEL", "CONSTRAIN_ERROR_PREFIX", "CONSTRAIN_ADAPTER"} {
		t.Setenv(k, "")
	}
	LoadConfig()

	assert.Equal(t, cache.DefaultSize, CacheSize)
	assert.Equal(t, "full_mask", ExecutionMode)
	assert.Equal(t, 1, NumParallel)
	assert.Equal(t, "E", ErrorPrefix)
	assert.Equal(t, "transformers", Adapter)
	assert.Empty(t, ConfigFile)
}

func TestInvalidSettingsKeepDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("CONSTRAIN_CACHE_SIZE", "lots")
	t.Setenv("CONSTRAIN_EXECUTION_MODE", "beam")
	t.Setenv("CONSTRAIN_NUM_PARALLEL", "0")
	LoadConfig()

	assert.Equal(t, cache.DefaultSize, CacheSize)
	assert.Equal(t, "full_mask", ExecutionMode)
	assert.Equal(t, 1, NumParallel)
}

func TestEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("CONSTRAIN_CACHE_SIZE", "0")
	t.Setenv("CONSTRAIN_EXECUTION_MODE", " 'speculation' ")
	t.Setenv("CONSTRAIN_NUM_PARALLEL", "4")
	t.Setenv("CONSTRAIN_ERROR_PREFIX", "Bad")
	t.Setenv("CONSTRAIN_ADAPTER", "llama_cpp")
	LoadConfig()

	assert.Equal(t, 0, CacheSize)
	assert.Equal(t, "speculation", ExecutionMode)
	assert.Equal(t, 4, NumParallel)
	assert.Equal(t, "Bad", ErrorPrefix)
	assert.Equal(t, "llama_cpp", Adapter)

	vals := Values()
	assert.Equal(t, "4", vals["CONSTRAIN_NUM_PARALLEL"])
	assert.Len(t, AsMap(), len(vals))
}

func TestConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[logging]
debug = true

[cache]
size = "128"

[filter]
execution_mode = "speculation"
num_parallel = 3
adapter = "llama_cpp"
`), 0o644))

	t.Setenv("CONSTRAIN_CONFIG", path)
	t.Setenv("CONSTRAIN_ADAPTER", "transformers")
	LoadConfig()

	assert.Equal(t, path, ConfigFile)
	assert.True(t, Debug)
	assert.Equal(t, 128, CacheSize)
	assert.Equal(t, "speculation", ExecutionMode)
	assert.Equal(t, 3, NumParallel)
	assert.Equal(t, "E", ErrorPrefix)
	assert.Equal(t, "transformers", Adapter, "the environment wins over the file")
}

func TestConfigFileDefaultPath(t *testing.T) {
	isolate(t)
	dir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "constrain")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[filter]\nerror_prefix = \"X\"\n"), 0o644))

	LoadConfig()
	if len(GetConfigPaths()) > 0 && GetConfigPaths()[0] == filepath.Join(dir, "config.toml") {
		assert.Equal(t, "X", ErrorPrefix)
	}
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("example", func(t *testing.T) {
		path := filepath.Join(dir, "example.toml")
		require.NoError(t, os.WriteFile(path, []byte(GenerateExampleConfig()), 0o644))

		cfg, err := ReadConfigFile(path)
		require.NoError(t, err)
		assert.Equal(t, "full_mask", cfg.Value("CONSTRAIN_EXECUTION_MODE"))
		assert.Equal(t, "32768", cfg.Value("CONSTRAIN_CACHE_SIZE"))
		assert.Equal(t, "0", cfg.Value("CONSTRAIN_DEBUG"))
		assert.Empty(t, cfg.Value("CONSTRAIN_CONFIG"))
	})

	t.Run("unknown key", func(t *testing.T) {
		path := filepath.Join(dir, "unknown.toml")
		require.NoError(t, os.WriteFile(path, []byte("[filter]\nbeam_width = 4\n"), 0o644))

		_, err := ReadConfigFile(path)
		require.Error(t, err)
	})

	t.Run("syntax", func(t *testing.T) {
		path := filepath.Join(dir, "broken.toml")
		require.NoError(t, os.WriteFile(path, []byte("[filter\n"), 0o644))

		_, err := ReadConfigFile(path)
		require.ErrorContains(t, err, "error parsing config file")
	})

	t.Run("missing", func(t *testing.T) {
		_, _, err := loadConfigFile(filepath.Join(dir, "nope.toml"))
		require.Error(t, err)
	})

	var nilConfig *Config
	assert.Empty(t, nilConfig.Value("CONSTRAIN_DEBUG"))
}
