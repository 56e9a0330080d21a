package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/provider"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "STUDIO"
	ConfigName     = "studio"
	ProjectDir     = ".studio"
	DefaultTimeout = 2 * time.Minute
)

type Config struct {
	DataDir   string                      `mapstructure:"data_dir"`
	DBPath    string                      `mapstructure:"db_path"`
	SquadDirs []string                    `mapstructure:"squad_dirs"`
	ExportDir string                      `mapstructure:"export_dir"`
	Log       LogConfig                   `mapstructure:"log"`
	Pipeline  PipelineConfig              `mapstructure:"pipeline"`
	Providers map[string]provider.Command `mapstructure:"providers"`

	file string
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	ToFile bool   `mapstructure:"to_file"`
}

type PipelineConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InvokeTimeout   time.Duration `mapstructure:"invoke_timeout"`
	MaxRevisions    int           `mapstructure:"max_revisions"`
	RecoverParallel int           `mapstructure:"recover_parallel"`
}

// DefaultDataDir is ~/.studio unless STUDIO_DATA_DIR is set.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv(EnvPrefix + "_DATA_DIR"); ok {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ProjectDir
	}
	return filepath.Join(homeDir, ".studio")
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("db_path", "")
	v.SetDefault("squad_dirs", []string{})
	v.SetDefault("export_dir", ".")
	v.SetDefault("log.level", logging.LevelInfo)
	v.SetDefault("log.to_file", true)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.invoke_timeout", DefaultTimeout.String())
	v.SetDefault("pipeline.max_revisions", 2)
	v.SetDefault("pipeline.recover_parallel", 4)
	v.SetDefault("providers", map[string]any{
		"default": map[string]any{
			"command":      "claude",
			"args":         []string{"-p", provider.PromptArg, "--output-format", "json"},
			"result_field": "result",
		},
	})
}

// Load reads defaults, the config file and STUDIO_* environment variables.
// cfgFile may be empty, in which case studio.yaml is looked up in the data
// directory and the project's .studio directory.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(ProjectDir)
		v.AddConfigPath(v.GetString("data_dir"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()
	cfg.applyDerived()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "studio.db")
	}
	if len(c.SquadDirs) == 0 {
		c.SquadDirs = []string{filepath.Join(ProjectDir, "squads"), c.UserSquadDir()}
	}
}

// FileUsed returns the config file that was read, if any.
func (c *Config) FileUsed() string {
	return c.file
}

func (c *Config) UserSquadDir() string {
	return filepath.Join(c.DataDir, "squads")
}

// LogDir is where the log file goes; empty means stderr.
func (c *Config) LogDir() string {
	if !c.Log.ToFile {
		return ""
	}
	return filepath.Join(c.DataDir, "logs")
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserSquadDir(), 0755); err != nil {
		return err
	}
	return nil
}

// ValidationError is a single invalid config value.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	if c.DataDir == "" {
		errs = append(errs, ValidationError{"data_dir", c.DataDir, "must not be empty"})
	}
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, ValidationError{"pipeline.max_attempts", c.Pipeline.MaxAttempts, "must be at least 1"})
	}
	if c.Pipeline.InvokeTimeout < 0 {
		errs = append(errs, ValidationError{"pipeline.invoke_timeout", c.Pipeline.InvokeTimeout, "must not be negative"})
	}
	if c.Pipeline.MaxRevisions < 0 {
		errs = append(errs, ValidationError{"pipeline.max_revisions", c.Pipeline.MaxRevisions, "must not be negative"})
	}
	if c.Pipeline.RecoverParallel < 1 {
		errs = append(errs, ValidationError{"pipeline.recover_parallel", c.Pipeline.RecoverParallel, "must be at least 1"})
	}
	valid := false
	for _, l := range logging.ValidLevels() {
		if strings.EqualFold(l, c.Log.Level) {
			valid = true
		}
	}
	if !valid {
		errs = append(errs, ValidationError{"log.level", c.Log.Level, "must be one of " + strings.Join(logging.ValidLevels(), ", ")})
	}
	if len(c.Providers) == 0 {
		errs = append(errs, ValidationError{"providers", nil, "at least one provider is required"})
	}
	for tag, p := range c.Providers {
		if p.Command == "" {
			errs = append(errs, ValidationError{"providers." + tag + ".command", p.Command, "must not be empty"})
		}
	}
	return errs
}
