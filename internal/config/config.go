package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dreamforge/dream-server/internal/utils/pathutil"
	"github.com/dreamforge/dream-server/internal/worker"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	FilesystemLocal = "local"
	FilesystemS3    = "s3"
)

const envPrefix = "DREAM"

type Config struct {
	Port        int    `mapstructure:"port"`
	Host        string `mapstructure:"host"`
	TCPPort     int    `mapstructure:"tcp_port"`
	TCPTimeout  int    `mapstructure:"tcp_timeout"`
	Environment string `mapstructure:"environment"`
	DreamHome   string `mapstructure:"dream_home"`
	AssetsDir   string `mapstructure:"assets_dir"`
	ModelsDir   string `mapstructure:"models_dir"`
	TempDir     string `mapstructure:"temp_dir"`
	DBPath      string `mapstructure:"db_path"`
	QueueSize   int    `mapstructure:"queue_size"`
	DefaultMode string `mapstructure:"default_mode"`
	Filesystem  string `mapstructure:"filesystem_type"`

	EnableThumbnails bool `mapstructure:"enable_thumbnails"`

	S3    *S3Config       `mapstructure:"s3"`
	Modes map[string]Mode `mapstructure:"modes"`
}

type S3Config struct {
	Folder    string `mapstructure:"folder"`
	Region    string `mapstructure:"region_name"`
	Bucket    string `mapstructure:"bucket_name"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PublicURL string `mapstructure:"public_url"`
}

// Mode is one named entry of the inference catalog. The key in
// Config.Modes doubles as the mode name.
type Mode struct {
	ModelPath       string   `mapstructure:"model_path"`
	AuxWeights      []string `mapstructure:"aux_weights"`
	DefaultSize     string   `mapstructure:"default_size"`
	DefaultSteps    int      `mapstructure:"default_steps"`
	DefaultGuidance float64  `mapstructure:"default_guidance"`
}

// Load reads the process configuration from the given viper instance,
// layering dream home discovery, the .env file, config.yaml, and
// DREAM_-prefixed environment variables. The returned Config is plain
// data and is passed explicitly to whatever needs it.
func Load(v *viper.Viper) (*Config, error) {
	home, err := resolveHome(v)
	if err != nil {
		return nil, err
	}

	v.Set("dream_home", home)
	v.Set("assets_dir", subdir(v, "assets_dir", home, "assets"))
	v.Set("models_dir", subdir(v, "models_dir", home, "models"))
	v.Set("temp_dir", subdir(v, "temp_dir", home, "temp"))

	envFile := filepath.Join(home, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))
	v.AutomaticEnv()

	if v.ConfigFileUsed() == "" {
		v.SetConfigType("yaml")
		v.SetConfigName("config")
		v.AddConfigPath(home)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg := &Config{
		Host:       DefaultHost,
		Port:       DefaultPort,
		TCPPort:    DefaultTCPPort,
		TCPTimeout: DefaultTCPTimeoutSeconds,
		QueueSize:  DefaultQueueSize,
		Filesystem: FilesystemLocal,
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return cfg, nil
}

// EnsureDirs creates the dream home directory tree if it is missing.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DreamHome, c.AssetsDir, c.ModelsDir, c.TempDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// GetMode looks up a catalog entry by name.
func (c *Config) GetMode(name string) (Mode, bool) {
	m, ok := c.Modes[name]
	return m, ok
}

// ModeNames returns the catalog keys in no particular order.
func (c *Config) ModeNames() []string {
	names := make([]string, 0, len(c.Modes))
	for name := range c.Modes {
		names = append(names, name)
	}
	return names
}

// ModeCatalog adapts the config's mode table to the scheduler's
// ModeSource. Paths relative to the models directory are resolved here
// so the scheduler only ever sees absolute locations.
type ModeCatalog struct {
	cfg *Config
}

func NewModeCatalog(cfg *Config) *ModeCatalog {
	return &ModeCatalog{cfg: cfg}
}

func (mc *ModeCatalog) Mode(name string) (worker.Params, error) {
	m, ok := mc.cfg.GetMode(name)
	if !ok {
		return worker.Params{}, fmt.Errorf("mode %q not defined in config", name)
	}

	aux := make([]string, 0, len(m.AuxWeights))
	for _, p := range m.AuxWeights {
		aux = append(aux, mc.resolve(p))
	}

	return worker.Params{
		Mode:            name,
		ModelPath:       mc.resolve(m.ModelPath),
		AuxWeights:      aux,
		DefaultSize:     m.DefaultSize,
		DefaultSteps:    m.DefaultSteps,
		DefaultGuidance: m.DefaultGuidance,
	}, nil
}

func (mc *ModeCatalog) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(mc.cfg.ModelsDir, path)
}

func resolveHome(v *viper.Viper) (string, error) {
	home := v.GetString("dream_home")
	if home == "" {
		home = os.Getenv("DREAM_HOME")
		if home == "" {
			home = DefaultDreamHome
		}
	}

	home, err := pathutil.ExpandPath(home)
	if err != nil {
		return "", ErrHomeExpandFailed
	}
	return home, nil
}

func subdir(v *viper.Viper, key, home, name string) string {
	dir := v.GetString(key)
	if dir == "" {
		dir = filepath.Join(home, name)
	}
	if expanded, err := pathutil.ExpandPath(dir); err == nil {
		dir = expanded
	}
	return dir
}
