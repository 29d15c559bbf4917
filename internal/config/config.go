// Package config loads the shell configuration file and resolves it into
// runtime settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/deskctl/internal/worker"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig     = errors.New("config: invalid")
	ErrUnsupportedFormat = errors.New("config: unsupported format")
	ErrConfigExists      = errors.New("config: file already exists")
)

const (
	EnvConfigPath = "DESKCTL_CONFIG"
	// EnvDevMode forces the embedded worker.
	EnvDevMode  = "DESKCTL_DEV_MODE"
	DefaultPath = "deskctl.toml"
)

// File mirrors the on-disk layout. Durations are strings such as "5s".
type File struct {
	Name        string       `toml:"name" yaml:"name"`
	ProjectPath string       `toml:"project_path" yaml:"project_path"`
	Worker      WorkerFile   `toml:"worker" yaml:"worker"`
	Instance    InstanceFile `toml:"instance" yaml:"instance"`
	Shutdown    ShutdownFile `toml:"shutdown" yaml:"shutdown"`
	Status      StatusFile   `toml:"status" yaml:"status"`
	Probe       ProbeFile    `toml:"probe" yaml:"probe"`
	Frontend    FrontendFile `toml:"frontend" yaml:"frontend"`
}

type WorkerFile struct {
	Mode         string            `toml:"mode" yaml:"mode"`
	Command      string            `toml:"command" yaml:"command"`
	Args         []string          `toml:"args" yaml:"args"`
	Dir          string            `toml:"dir" yaml:"dir"`
	Env          map[string]string `toml:"env,omitempty" yaml:"env,omitempty"`
	Host         string            `toml:"host" yaml:"host"`
	StartTimeout string            `toml:"start_timeout" yaml:"start_timeout"`
	CorsOrigins  []string          `toml:"cors_origins" yaml:"cors_origins"`
}

type InstanceFile struct {
	SingleInstance bool   `toml:"single_instance" yaml:"single_instance"`
	RuntimeDir     string `toml:"runtime_dir" yaml:"runtime_dir"`
}

type ShutdownFile struct {
	StopTimeout string `toml:"stop_timeout" yaml:"stop_timeout"`
}

type StatusFile struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
}

type ProbeFile struct {
	Enabled         bool   `toml:"enabled" yaml:"enabled"`
	InitialInterval string `toml:"initial_interval" yaml:"initial_interval"`
	MaxInterval     string `toml:"max_interval" yaml:"max_interval"`
	MaxElapsed      string `toml:"max_elapsed" yaml:"max_elapsed"`
}

type FrontendFile struct {
	Command string   `toml:"command" yaml:"command"`
	Args    []string `toml:"args" yaml:"args"`
	Dir     string   `toml:"dir" yaml:"dir"`
}

// DefaultFile is the configuration used when no file is given and the base
// every loaded file is decoded onto.
func DefaultFile() File {
	return File{
		Name: "deskctl",
		Worker: WorkerFile{
			Mode:         string(worker.ModeSubprocess),
			Host:         "127.0.0.1",
			StartTimeout: "30s",
			CorsOrigins:  []string{"http://localhost:3000"},
		},
		Instance: InstanceFile{SingleInstance: true},
		Shutdown: ShutdownFile{StopTimeout: "10s"},
		Status:   StatusFile{Enabled: false, Addr: "127.0.0.1:7020"},
		Probe: ProbeFile{
			Enabled:         true,
			InitialInterval: "100ms",
			MaxInterval:     "2s",
			MaxElapsed:      "15s",
		},
	}
}

// Shell is the resolved configuration.
type Shell struct {
	Name        string
	ProjectPath string
	Worker      Worker
	Instance    Instance
	StopTimeout time.Duration
	Status      Status
	Probe       Probe
	Frontend    Frontend
}

// Worker settings. An empty Command in subprocess mode re-executes the
// current binary as a worker.
type Worker struct {
	Mode         worker.Mode
	Command      string
	Args         []string
	Dir          string
	Env          map[string]string
	Host         string
	StartTimeout time.Duration
	CorsOrigins  []string
}

type Instance struct {
	SingleInstance bool
	RuntimeDir     string
}

type Status struct {
	Enabled bool
	Addr    string
}

type Probe struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

type Frontend struct {
	Command string
	Args    []string
	Dir     string
}

// Default returns the resolved default configuration with environment
// overrides applied.
func Default() Shell {
	file := DefaultFile()
	applyEnv(&file)
	shell, err := file.Resolve()
	if err != nil {
		panic(fmt.Sprintf("config: default configuration invalid: %v", err))
	}
	return shell
}

// Load decodes path onto DefaultFile, applies environment overrides, and
// resolves the result. The format follows the extension: .toml, .yaml, .yml.
func Load(path string) (Shell, error) {
	file := DefaultFile()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &file)
		if err != nil {
			return Shell{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		for _, key := range meta.Undecoded() {
			log.Warn().Str("path", path).Str("key", key.String()).Msg("config.Load unknown key ignored")
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Shell{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Shell{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		return Shell{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	applyEnv(&file)
	shell, err := file.Resolve()
	if err != nil {
		return Shell{}, fmt.Errorf("%s: %w", path, err)
	}
	log.Debug().Str("path", path).Str("mode", string(shell.Worker.Mode)).Msg("config.Load")
	return shell, nil
}

// Validate reports whether path loads and resolves.
func Validate(path string) error {
	_, err := Load(path)
	return err
}

// Resolve parses durations and modes and checks required fields.
func (f File) Resolve() (Shell, error) {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		return Shell{}, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	mode, err := worker.ParseMode(f.Worker.Mode)
	if err != nil {
		return Shell{}, fmt.Errorf("%w: worker.mode: %v", ErrInvalidConfig, err)
	}

	var durations [5]time.Duration
	for i, field := range []struct {
		key string
		raw string
	}{
		{"worker.start_timeout", f.Worker.StartTimeout},
		{"shutdown.stop_timeout", f.Shutdown.StopTimeout},
		{"probe.initial_interval", f.Probe.InitialInterval},
		{"probe.max_interval", f.Probe.MaxInterval},
		{"probe.max_elapsed", f.Probe.MaxElapsed},
	} {
		d, err := parseDuration(field.key, field.raw)
		if err != nil {
			return Shell{}, err
		}
		durations[i] = d
	}

	if f.Status.Enabled && strings.TrimSpace(f.Status.Addr) == "" {
		return Shell{}, fmt.Errorf("%w: status.addr required when status is enabled", ErrInvalidConfig)
	}

	return Shell{
		Name:        name,
		ProjectPath: strings.TrimSpace(f.ProjectPath),
		Worker: Worker{
			Mode:         mode,
			Command:      strings.TrimSpace(f.Worker.Command),
			Args:         f.Worker.Args,
			Dir:          f.Worker.Dir,
			Env:          f.Worker.Env,
			Host:         strings.TrimSpace(f.Worker.Host),
			StartTimeout: durations[0],
			CorsOrigins:  f.Worker.CorsOrigins,
		},
		Instance: Instance{
			SingleInstance: f.Instance.SingleInstance,
			RuntimeDir:     strings.TrimSpace(f.Instance.RuntimeDir),
		},
		StopTimeout: durations[1],
		Status: Status{
			Enabled: f.Status.Enabled,
			Addr:    strings.TrimSpace(f.Status.Addr),
		},
		Probe: Probe{
			Enabled:         f.Probe.Enabled,
			InitialInterval: durations[2],
			MaxInterval:     durations[3],
			MaxElapsed:      durations[4],
		},
		Frontend: Frontend{
			Command: strings.TrimSpace(f.Frontend.Command),
			Args:    f.Frontend.Args,
			Dir:     f.Frontend.Dir,
		},
	}, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return d, nil
}

func applyEnv(f *File) {
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvDevMode))); err == nil && v {
		f.Worker.Mode = string(worker.ModeEmbedded)
	}
}

// PathFromEnv returns DESKCTL_CONFIG, or DefaultPath.
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}
