package monitor

import (
	"os"
	"time"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.Base("invalid configuration")

// Duration wraps time.Duration so intervals can be written as "250ms" or
// "2s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	err := value.Decode(&s)
	if err != nil {
		return errors.WithStack(err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.WithMessage(err, "parse duration")
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config describes one monitor-and-inject run.
type Config struct {
	// Target is the process name to watch for (substring match).
	Target string `yaml:"target"`
	// Library is the path of the shared library to inject.
	Library string `yaml:"library"`
	// Interval between process list polls. Default is DefaultInterval.
	Interval Duration `yaml:"interval"`
	// WaitTimeout bounds remote execution. Zero waits forever.
	WaitTimeout Duration `yaml:"wait_timeout"`
	// TerminateExisting kills running instances of the target before
	// monitoring starts.
	TerminateExisting bool `yaml:"terminate_existing"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, errors.E) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "read config")
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		errE := errors.Errorf("%w: %w", ErrInvalidConfig, err)
		errors.Details(errE)["path"] = path
		return nil, errE
	}

	if config.Target == "" {
		return nil, errors.WithDetails(ErrInvalidConfig, "reason", "target name is required")
	}
	if config.Library == "" {
		return nil, errors.WithDetails(ErrInvalidConfig, "reason", "library path is required")
	}
	if config.Interval == 0 {
		config.Interval = Duration(DefaultInterval)
	}

	return &config, nil
}
