package fiber

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fiber.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[fiber]
stack_size = 131072

[scheduler]
threads = 4
use_caller = false
name = "io"

[iomanager]
max_poll_timeout = "250ms"

[log]
level = "debug"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	useCaller := false
	want := &Config{
		Log:       LogConfig{Level: "debug"},
		Scheduler: SchedulerConfig{UseCaller: &useCaller, Name: "io", Threads: 4},
		IOManager: IOManagerConfig{MaxPollTimeout: Duration{250 * time.Millisecond}},
		Fiber:     FiberConfig{StackSize: 131072},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_Empty(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Empty(t, cfg.Options())

	opts, err := resolveOptions(cfg.Options())
	require.NoError(t, err)
	assert.Equal(t, 1, opts.threads)
	assert.True(t, opts.useCaller)
	assert.Equal(t, defaultMaxPollTimeout, opts.maxPollTimeout)
}

func TestLoadConfig_Errors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{"UnknownKey", "[scheduler]\nworkers = 2\n"},
		{"UnknownTable", "[pool]\nthreads = 2\n"},
		{"NegativeThreads", "[scheduler]\nthreads = -1\n"},
		{"NegativeStack", "[fiber]\nstack_size = -1\n"},
		{"BadLevel", "[log]\nlevel = \"loud\"\n"},
		{"NegativeTimeout", "[iomanager]\nmax_poll_timeout = \"-1s\"\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	t.Run("BadDuration", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "[iomanager]\nmax_poll_timeout = \"soon\"\n"))
		assert.Error(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := &Config{
		Scheduler: SchedulerConfig{Threads: -1},
		Fiber:     FiberConfig{StackSize: -1},
		Log:       LogConfig{Level: "nope"},
	}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "scheduler.threads")
	assert.Contains(t, err.Error(), "fiber.stack_size")
	assert.Contains(t, err.Error(), "nope")
}

func TestConfig_Options(t *testing.T) {
	useCaller := false
	cfg := &Config{
		Scheduler: SchedulerConfig{Threads: 3, UseCaller: &useCaller, Name: "cfg"},
		IOManager: IOManagerConfig{MaxPollTimeout: Duration{time.Second}},
	}
	s, err := NewScheduler(cfg.Options()...)
	require.NoError(t, err)
	assert.Equal(t, "cfg", s.Name())
	assert.Len(t, s.ThreadIDs(), 3)
	s.Start()
	s.Stop()

	opts, err := resolveOptions(cfg.Options())
	require.NoError(t, err)
	assert.Equal(t, time.Second, opts.maxPollTimeout)
	assert.False(t, opts.useCaller)
}

func TestConfig_Apply(t *testing.T) {
	t.Cleanup(func() { SetDefaultStackSize(0) })

	(&Config{}).Apply()
	assert.Equal(t, fallbackStackSize, DefaultStackSize())

	(&Config{Fiber: FiberConfig{StackSize: 64 << 10}}).Apply()
	assert.Equal(t, 64<<10, DefaultStackSize())

	f := NewFiber(func() {}, 0)
	defer f.Destroy()
	assert.Equal(t, 64<<10, f.StackSize())

	SetDefaultStackSize(-5)
	assert.Equal(t, fallbackStackSize, DefaultStackSize())
}

func TestConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := (&Config{Log: LogConfig{Level: "warning"}}).NewLogger(&buf)
	require.NoError(t, err)

	logger.Info().Log("hidden")
	logger.Warning().Str("k", "v").Log("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)

	_, err = (&Config{Log: LogConfig{Level: "loud"}}).NewLogger(&buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	buf.Reset()
	logger, err = (&Config{}).NewLogger(&buf)
	require.NoError(t, err)
	logger.Debug().Log("too verbose")
	logger.Info().Log("default level")
	assert.NotContains(t, buf.String(), "too verbose")
	assert.Contains(t, buf.String(), "default level")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logiface.Level{
		"off":     logiface.LevelDisabled,
		"EMERG":   logiface.LevelEmergency,
		"crit":    logiface.LevelCritical,
		"error":   logiface.LevelError,
		"Warn":    logiface.LevelWarning,
		"notice":  logiface.LevelNotice,
		"info":    logiface.LevelInformational,
		"debug":   logiface.LevelDebug,
		"trace":   logiface.LevelTrace,
		"alert":   logiface.LevelAlert,
		"warning": logiface.LevelWarning,
	} {
		got, err := parseLevel(in)
		if assert.NoError(t, err, in) {
			assert.Equal(t, want, got, in)
		}
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))
	assert.Error(t, d.UnmarshalText([]byte("90")))
}
