package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Audio  AudioConfig  `mapstructure:"audio" yaml:"audio"`
	Output OutputConfig `mapstructure:"output" yaml:"output"`
	State  StateConfig  `mapstructure:"state" yaml:"state"`
	Merge  MergeConfig  `mapstructure:"merge" yaml:"merge"`
	Resume ResumeConfig `mapstructure:"resume" yaml:"resume"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Tools  ToolsConfig  `mapstructure:"tools" yaml:"tools"`
}

type AudioConfig struct {
	Device     string `mapstructure:"device" yaml:"device"`
	Backend    string `mapstructure:"backend" yaml:"backend"` // "auto", "alsa", "pulse"
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Bitrate    string `mapstructure:"bitrate" yaml:"bitrate"` // ffmpeg shorthand, e.g. "96k"
	Channels   int    `mapstructure:"channels" yaml:"channels"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type StateConfig struct {
	// Directory holds the segment store and serves as the cache target for
	// TEMPORARY/CACHE recordings.
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type MergeConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
}

func (m MergeConfig) MarshalYAML() (any, error) {
	return struct {
		Timeout     string `yaml:"timeout"`
		LockTimeout string `yaml:"lock_timeout"`
	}{m.Timeout.String(), m.LockTimeout.String()}, nil
}

type ResumeConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
}

func (r ResumeConfig) MarshalYAML() (any, error) {
	return struct {
		MaxAttempts int    `yaml:"max_attempts"`
		BaseDelay   string `yaml:"base_delay"`
	}{r.MaxAttempts, r.BaseDelay.String()}, nil
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Addr returns the host:port the HTTP server binds to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type ToolsConfig struct {
	FFmpeg  string `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	FFprobe string `mapstructure:"ffprobe" yaml:"ffprobe"`
}

// Profile is a named partial override of the base configuration. Only the
// sections present in the profile replace base values.
type Profile struct {
	Audio  *AudioConfig  `mapstructure:"audio,omitempty" yaml:"audio,omitempty"`
	Output *OutputConfig `mapstructure:"output,omitempty" yaml:"output,omitempty"`
	State  *StateConfig  `mapstructure:"state,omitempty" yaml:"state,omitempty"`
	Merge  *MergeConfig  `mapstructure:"merge,omitempty" yaml:"merge,omitempty"`
	Resume *ResumeConfig `mapstructure:"resume,omitempty" yaml:"resume,omitempty"`
	Server *ServerConfig `mapstructure:"server,omitempty" yaml:"server,omitempty"`
	Tools  *ToolsConfig  `mapstructure:"tools,omitempty" yaml:"tools,omitempty"`
}

// RootConfig is the on-disk shape: the base config at the top level plus
// optional named profiles overriding parts of it.
type RootConfig struct {
	ActiveProfile string `mapstructure:"active_profile" yaml:"active_profile,omitempty"`
	Config        `mapstructure:",squash" yaml:",inline"`
	Profiles      map[string]*Profile `mapstructure:"profiles" yaml:"profiles,omitempty"`
}

var defaultConfig = Config{
	Audio: AudioConfig{
		Device:     "default",
		Backend:    "auto",
		SampleRate: 44100,
		Bitrate:    "96k",
		Channels:   1,
	},
	Output: OutputConfig{
		Directory: "~/Recordings",
	},
	State: StateConfig{
		Directory: "~/.local/state/voicecapture",
	},
	Merge: MergeConfig{
		Timeout:     3 * time.Minute,
		LockTimeout: 10 * time.Second,
	},
	Resume: ResumeConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
	},
	Server: ServerConfig{
		Host: "127.0.0.1",
		Port: 8089,
	},
	Tools: ToolsConfig{
		FFmpeg:  "ffmpeg",
		FFprobe: "ffprobe",
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	c := defaultConfig
	return &c
}

// DefaultPath returns the conventional config file location, or empty when
// the user config directory cannot be resolved.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "voicecapture", "config.yaml")
}

// Load reads configFile and resolves the profile named in its
// active_profile field. An empty configFile yields the built-in defaults.
func Load(configFile string) (*Config, error) {
	return LoadWithProfile(configFile, "")
}

// LoadWithProfile reads configFile and resolves the named profile over the
// file's base config, which in turn sits over the built-in defaults. An
// empty profile falls back to the file's active_profile field, then to the
// base config alone.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		cfg := Default()
		cfg.expandPaths()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root, err := readRoot(configFile)
	if err != nil {
		return nil, err
	}

	cfg := mergeConfigs(Default(), &root.Config)

	name := profile
	if name == "" {
		name = root.ActiveProfile
	}
	if name != "" {
		override, exists := root.Profiles[name]
		if !exists {
			return nil, fmt.Errorf("configuration profile '%s' not found", name)
		}
		applyProfile(cfg, override)
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Profiles lists the profile names defined in configFile.
func Profiles(configFile string) ([]string, error) {
	root, err := readRoot(configFile)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(root.Profiles))
	for name := range root.Profiles {
		names = append(names, name)
	}
	return names, nil
}

// Save writes root to path as yaml, creating parent directories.
func Save(root *RootConfig, path string) error {
	if path == "" {
		return fmt.Errorf("no config file specified")
	}
	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}

// UpdateActiveProfile rewrites only the active_profile field of configFile.
func UpdateActiveProfile(configFile, name string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_profile", name)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

func readRoot(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("VOICECAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &root, nil
}

// mergeConfigs fills the zero-valued fields of override from base, so a
// partial config file inherits the rest of its settings.
func mergeConfigs(base, override *Config) *Config {
	result := *base
	if override == nil {
		return &result
	}
	result.Audio = overlayAudio(result.Audio, override.Audio)
	result.Output = overlayOutput(result.Output, override.Output)
	result.State = overlayState(result.State, override.State)
	result.Merge = overlayMerge(result.Merge, override.Merge)
	result.Resume = overlayResume(result.Resume, override.Resume)
	result.Server = overlayServer(result.Server, override.Server)
	result.Tools = overlayTools(result.Tools, override.Tools)
	return &result
}

// applyProfile overlays the profile's sections on cfg. Within a present
// section, zero-valued fields still fall back to the base value.
func applyProfile(cfg *Config, p *Profile) {
	if p == nil {
		return
	}
	if p.Audio != nil {
		cfg.Audio = overlayAudio(cfg.Audio, *p.Audio)
	}
	if p.Output != nil {
		cfg.Output = overlayOutput(cfg.Output, *p.Output)
	}
	if p.State != nil {
		cfg.State = overlayState(cfg.State, *p.State)
	}
	if p.Merge != nil {
		cfg.Merge = overlayMerge(cfg.Merge, *p.Merge)
	}
	if p.Resume != nil {
		cfg.Resume = overlayResume(cfg.Resume, *p.Resume)
	}
	if p.Server != nil {
		cfg.Server = overlayServer(cfg.Server, *p.Server)
	}
	if p.Tools != nil {
		cfg.Tools = overlayTools(cfg.Tools, *p.Tools)
	}
}

func overlayAudio(base, over AudioConfig) AudioConfig {
	if over.Device != "" {
		base.Device = over.Device
	}
	if over.Backend != "" {
		base.Backend = over.Backend
	}
	if over.SampleRate != 0 {
		base.SampleRate = over.SampleRate
	}
	if over.Bitrate != "" {
		base.Bitrate = over.Bitrate
	}
	if over.Channels != 0 {
		base.Channels = over.Channels
	}
	return base
}

func overlayOutput(base, over OutputConfig) OutputConfig {
	if over.Directory != "" {
		base.Directory = over.Directory
	}
	return base
}

func overlayState(base, over StateConfig) StateConfig {
	if over.Directory != "" {
		base.Directory = over.Directory
	}
	return base
}

func overlayMerge(base, over MergeConfig) MergeConfig {
	if over.Timeout != 0 {
		base.Timeout = over.Timeout
	}
	if over.LockTimeout != 0 {
		base.LockTimeout = over.LockTimeout
	}
	return base
}

func overlayResume(base, over ResumeConfig) ResumeConfig {
	if over.MaxAttempts != 0 {
		base.MaxAttempts = over.MaxAttempts
	}
	if over.BaseDelay != 0 {
		base.BaseDelay = over.BaseDelay
	}
	return base
}

func overlayServer(base, over ServerConfig) ServerConfig {
	if over.Host != "" {
		base.Host = over.Host
	}
	if over.Port != 0 {
		base.Port = over.Port
	}
	return base
}

func overlayTools(base, over ToolsConfig) ToolsConfig {
	if over.FFmpeg != "" {
		base.FFmpeg = over.FFmpeg
	}
	if over.FFprobe != "" {
		base.FFprobe = over.FFprobe
	}
	return base
}

func (c *Config) expandPaths() {
	c.Output.Directory = expandPath(c.Output.Directory)
	c.State.Directory = expandPath(c.State.Directory)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks the resolved configuration for values the engine cannot
// work with.
func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case "auto", "alsa", "pulse":
	default:
		return fmt.Errorf("audio.backend must be 'auto', 'alsa' or 'pulse', got: %s", c.Audio.Backend)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0, got: %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got: %d", c.Audio.Channels)
	}
	if err := validateBitrate(c.Audio.Bitrate); err != nil {
		return err
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.State.Directory == "" {
		return fmt.Errorf("state.directory is required")
	}
	if c.Merge.Timeout <= 0 {
		return fmt.Errorf("merge.timeout must be > 0, got: %s", c.Merge.Timeout)
	}
	if c.Merge.LockTimeout <= 0 {
		return fmt.Errorf("merge.lock_timeout must be > 0, got: %s", c.Merge.LockTimeout)
	}
	if c.Resume.MaxAttempts < 0 {
		return fmt.Errorf("resume.max_attempts must be >= 0, got: %d", c.Resume.MaxAttempts)
	}
	if c.Resume.BaseDelay <= 0 {
		return fmt.Errorf("resume.base_delay must be > 0, got: %s", c.Resume.BaseDelay)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	if c.Tools.FFmpeg == "" {
		return fmt.Errorf("tools.ffmpeg is required")
	}
	if c.Tools.FFprobe == "" {
		return fmt.Errorf("tools.ffprobe is required")
	}
	return nil
}

// validateBitrate accepts ffmpeg bitrate shorthand like "96k" or "96000".
func validateBitrate(bitrate string) error {
	if bitrate == "" {
		return fmt.Errorf("audio.bitrate is required")
	}
	s := strings.ToLower(strings.TrimSpace(bitrate))
	s = strings.TrimSuffix(s, "k")
	if !isNumeric(s) {
		return fmt.Errorf("audio.bitrate must look like '96k' or '96000', got: %s", bitrate)
	}
	return nil
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
