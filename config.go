package fiber

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
	"github.com/pbnjay/memory"
)

// fallbackStackSize is the default stack size, 1 MiB.
const fallbackStackSize = 1 << 20

var defaultStackSize atomic.Int64

func init() {
	defaultStackSize.Store(fallbackStackSize)
}

// DefaultStackSize returns the stack size recorded for fibers created with a
// stack size of 0.
//
// Fiber stacks are grown and shrunk by the Go runtime, so the size is a
// sizing hint that is reported by [Fiber.StackSize], not a hard limit.
func DefaultStackSize() int {
	return int(defaultStackSize.Load())
}

// SetDefaultStackSize sets the value returned by [DefaultStackSize]. Values
// less than 1 restore the 1 MiB fallback.
func SetDefaultStackSize(size int) {
	if size < 1 {
		size = fallbackStackSize
	}
	defaultStackSize.Store(int64(size))
}

// Config is the file based configuration, see [LoadConfig].
//
//	[fiber]
//	stack_size = 131072
//
//	[scheduler]
//	threads = 4
//	use_caller = false
//	name = "io"
//
//	[iomanager]
//	max_poll_timeout = "3s"
//
//	[log]
//	level = "info"
type Config struct {
	Log       LogConfig       `toml:"log"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	IOManager IOManagerConfig `toml:"iomanager"`
	Fiber     FiberConfig     `toml:"fiber"`
}

// FiberConfig is the [fiber] table.
type FiberConfig struct {
	StackSize int `toml:"stack_size"`
}

// SchedulerConfig is the [scheduler] table. Zero values keep the defaults.
type SchedulerConfig struct {
	UseCaller *bool  `toml:"use_caller"`
	Name      string `toml:"name"`
	Threads   int    `toml:"threads"`
}

// IOManagerConfig is the [iomanager] table.
type IOManagerConfig struct {
	MaxPollTimeout Duration `toml:"max_poll_timeout"`
}

// LogConfig is the [log] table.
type LogConfig struct {
	// Level is a syslog keyword, e.g. "err", "warning", "info", "debug".
	Level string `toml:"level"`
}

// Duration is a [time.Duration] that decodes from strings like "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements [encoding.TextMarshaler].
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoadConfig decodes and validates a TOML config file. Unknown keys are an
// error.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("fiber: load config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys in %q: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for values that cannot be applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Fiber.StackSize < 0 {
		errs = append(errs, fmt.Errorf("%w: fiber.stack_size must not be negative", ErrInvalidConfig))
	} else if total := memory.TotalMemory(); total != 0 && uint64(c.Fiber.StackSize) >= total {
		errs = append(errs, fmt.Errorf("%w: fiber.stack_size %d exceeds total memory %d", ErrInvalidConfig, c.Fiber.StackSize, total))
	}
	if c.Scheduler.Threads < 0 {
		errs = append(errs, fmt.Errorf("%w: scheduler.threads must not be negative", ErrInvalidConfig))
	}
	if c.IOManager.MaxPollTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("%w: iomanager.max_poll_timeout must not be negative", ErrInvalidConfig))
	}
	if c.Log.Level != "" {
		if _, err := parseLevel(c.Log.Level); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply sets process wide settings, currently the default stack size.
func (c *Config) Apply() {
	if c.Fiber.StackSize > 0 {
		SetDefaultStackSize(c.Fiber.StackSize)
	}
}

// Options converts the config into scheduler and io manager options.
func (c *Config) Options() []Option {
	var opts []Option
	if c.Scheduler.Threads > 0 {
		opts = append(opts, WithThreads(c.Scheduler.Threads))
	}
	if c.Scheduler.UseCaller != nil {
		opts = append(opts, WithUseCaller(*c.Scheduler.UseCaller))
	}
	if c.Scheduler.Name != "" {
		opts = append(opts, WithName(c.Scheduler.Name))
	}
	if c.IOManager.MaxPollTimeout.Duration > 0 {
		opts = append(opts, WithMaxPollTimeout(c.IOManager.MaxPollTimeout.Duration))
	}
	return opts
}

// NewLogger builds a JSON logger writing to w at the configured level,
// defaulting to info.
func (c *Config) NewLogger(w io.Writer) (*Logger, error) {
	level := logiface.LevelInformational
	if c.Log.Level != "" {
		var err error
		if level, err = parseLevel(c.Log.Level); err != nil {
			return nil, err
		}
	}
	return NewJSONLogger(w, level), nil
}

func parseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "info", "informational":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
	}
}
