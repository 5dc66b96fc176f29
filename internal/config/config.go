package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. STREAMREC_RECORDER_DIRECTORY.
const EnvPrefix = "STREAMREC"

type DefinitionsConfig struct {
	Amplifiers []AmplifierDefinition `mapstructure:"amplifiers" yaml:"amplifiers"`
}

// AmplifierDefinition describes a simulated amplifier stream.
type AmplifierDefinition struct {
	ID         string   `mapstructure:"id" yaml:"id,omitempty"`
	Name       string   `mapstructure:"name" yaml:"name"`
	Serial     string   `mapstructure:"serial" yaml:"serial"`
	Type       string   `mapstructure:"type" yaml:"type"`
	SampleRate float64  `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   []string `mapstructure:"channels" yaml:"channels"`
	SignalHz   float64  `mapstructure:"signal_hz" yaml:"signal_hz"`
	Amplitude  float64  `mapstructure:"amplitude" yaml:"amplitude"`
}

type AmplifierReference struct {
	Ref        string   `mapstructure:"ref" yaml:"ref"`
	SampleRate *float64 `mapstructure:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Serial     *string  `mapstructure:"serial,omitempty" yaml:"serial,omitempty"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// Config is a resolved configuration profile.
type Config struct {
	Recorder  RecorderConfig  `mapstructure:"recorder" yaml:"recorder"`
	Amplifier AmplifierFilter `mapstructure:"amplifier" yaml:"amplifier"`
	Receiver  ReceiverConfig  `mapstructure:"receiver" yaml:"receiver"`
	Trigger   TriggerConfig   `mapstructure:"trigger" yaml:"trigger"`
	Publisher PublisherConfig `mapstructure:"publisher" yaml:"publisher"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for the config command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Recorder  RecorderConfig  `mapstructure:"recorder" yaml:"recorder"`
	Amplifier AmplifierFilter `mapstructure:"amplifier" yaml:"amplifier"`
	Receiver  ReceiverProfile `mapstructure:"receiver" yaml:"receiver"`
	Trigger   TriggerConfig   `mapstructure:"trigger" yaml:"trigger"`
	Publisher PublisherConfig `mapstructure:"publisher" yaml:"publisher"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// InheritanceInfo records, per setting, whether the value came from the
// selected profile ("profile-specific") or the default one ("inherited").
type InheritanceInfo struct {
	Profile  string
	Settings map[string]string
}

type RecorderConfig struct {
	Directory        string `mapstructure:"directory" yaml:"directory"`
	Format           string `mapstructure:"format" yaml:"format"` // "fits", "edf"
	MaxBufferSeconds int    `mapstructure:"max_buffer_seconds" yaml:"max_buffer_seconds"`
	QuantumUs        int    `mapstructure:"quantum_us" yaml:"quantum_us"`
}

// AmplifierFilter selects which streams a session records.
type AmplifierFilter struct {
	AmpName   string `mapstructure:"amp_name" yaml:"amp_name"`
	AmpSerial string `mapstructure:"amp_serial" yaml:"amp_serial"`
	EEGOnly   bool   `mapstructure:"eeg_only" yaml:"eeg_only"`
}

type ReceiverConfig struct {
	Backend     string                `mapstructure:"backend" yaml:"backend"` // "simulated", "replay"
	Amplifiers  []AmplifierDefinition `mapstructure:"amplifiers" yaml:"amplifiers"`
	ReplayFiles []string              `mapstructure:"replay_files" yaml:"replay_files"`
}

type ReceiverProfile struct {
	Backend     string               `mapstructure:"backend" yaml:"backend"`
	Amplifiers  []AmplifierReference `mapstructure:"amplifiers" yaml:"amplifiers"`
	ReplayFiles []string             `mapstructure:"replay_files" yaml:"replay_files"`
}

type TriggerConfig struct {
	Type        string `mapstructure:"type" yaml:"type"` // "none", "software", "mock", "lpt", "serial"
	PortAddress string `mapstructure:"port_address" yaml:"port_address"`
	Device      string `mapstructure:"device" yaml:"device"`
	SerialPort  string `mapstructure:"serial_port" yaml:"serial_port"`
	Baud        int    `mapstructure:"baud" yaml:"baud"`
	DelayMs     int    `mapstructure:"delay_ms" yaml:"delay_ms"`
	Verbose     bool   `mapstructure:"verbose" yaml:"verbose"`
}

type PublisherConfig struct {
	Type        string `mapstructure:"type" yaml:"type"` // "none", "hub", "mqtt", "redis"
	Broker      string `mapstructure:"broker" yaml:"broker"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"-"`
	RedisAddr   string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db" yaml:"redis_db"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
}

type ServerConfig struct {
	Port         string  `mapstructure:"port" yaml:"port"`
	TriggerRate  float64 `mapstructure:"trigger_rate" yaml:"trigger_rate"`
	TriggerBurst int     `mapstructure:"trigger_burst" yaml:"trigger_burst"`
}

var defaultConfig = Config{
	Recorder: RecorderConfig{
		Directory:        filepath.Join(os.Getenv("HOME"), "BCI", "records"),
		Format:           "fits",
		MaxBufferSeconds: 86400,
		QuantumUs:        1000,
	},
	Receiver: ReceiverConfig{
		Backend: "simulated",
		Amplifiers: []AmplifierDefinition{
			{
				Name:       "EEG8",
				Serial:     "SIM-0001",
				Type:       "EEG",
				SampleRate: 512,
				Channels:   []string{"Fp1", "Fp2", "C3", "Cz", "C4", "P3", "Pz", "P4"},
				SignalHz:   10,
				Amplitude:  50,
			},
		},
	},
	Trigger: TriggerConfig{
		Type:        "software",
		PortAddress: "0x378",
		Baud:        115200,
		DelayMs:     50,
	},
	Publisher: PublisherConfig{
		Type:        "hub",
		ClientID:    "streamrec",
		TopicPrefix: "streamrec/markers",
	},
	Server: ServerConfig{
		Port:         "8080",
		TriggerRate:  20,
		TriggerBurst: 1,
	},
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := mergeConfigs(&defaultConfig, nil)
	cfg.Inheritance.Profile = "built-in"
	return cfg
}

// Load reads configFile with its active profile. An empty configFile yields
// the built-in configuration.
func Load(configFile string) (*Config, error) {
	return LoadWithProfile(configFile, "")
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		cfg := Default()
		applyEnvOverrides(cfg)
		return cfg, Validate(cfg)
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// The "default" profile, then the built-in values, fill what the selected
	// profile leaves unset.
	base := &defaultConfig
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			resolved, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			base = mergeConfigs(&defaultConfig, resolved)
		}
	}
	selectedConfig = mergeConfigs(base, selectedConfig)
	selectedConfig.Inheritance.Profile = configName

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Recorder.Directory = rootConfig.Globals.Output.RecordingsDirectory
		selectedConfig.Inheritance.Settings["recorder.directory"] = "global"
	}

	applyEnvOverrides(selectedConfig)

	if err := Validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving amplifier references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Recorder:  profile.Recorder,
		Amplifier: profile.Amplifier,
		Receiver: ReceiverConfig{
			Backend:     profile.Receiver.Backend,
			ReplayFiles: profile.Receiver.ReplayFiles,
		},
		Trigger:   profile.Trigger,
		Publisher: profile.Publisher,
		Server:    profile.Server,
	}

	for i, ref := range profile.Receiver.Amplifiers {
		if ref.Ref == "" {
			return nil, fmt.Errorf("receiver.amplifiers[%d]: 'ref' is required", i)
		}
		definition := findDefinition(definitions, ref.Ref)
		if definition == nil {
			return nil, fmt.Errorf("receiver.amplifiers[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		amp := *definition
		amp.Channels = append([]string(nil), definition.Channels...)
		if ref.SampleRate != nil {
			amp.SampleRate = *ref.SampleRate
		}
		if ref.Serial != nil {
			amp.Serial = *ref.Serial
		}
		config.Receiver.Amplifiers = append(config.Receiver.Amplifiers, amp)
	}

	return config, nil
}

func findDefinition(definitions *DefinitionsConfig, id string) *AmplifierDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Amplifiers {
		if definitions.Amplifiers[i].ID == id {
			return &definitions.Amplifiers[i]
		}
	}
	return nil
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Amplifiers: the profile's list replaces the base list when not empty
// - Every other setting: profile value or fallback to base
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{
		Inheritance: &InheritanceInfo{Settings: make(map[string]string)},
	}
	if base != nil {
		result.Recorder = base.Recorder
		result.Amplifier = base.Amplifier
		result.Receiver = base.Receiver
		result.Receiver.Amplifiers = append([]AmplifierDefinition(nil), base.Receiver.Amplifiers...)
		result.Trigger = base.Trigger
		result.Publisher = base.Publisher
		result.Server = base.Server
	}
	if profile == nil {
		return result
	}

	track := func(key string, set bool) {
		if set {
			result.Inheritance.Settings[key] = "profile-specific"
		} else {
			result.Inheritance.Settings[key] = "inherited"
		}
	}
	str := func(key string, dst *string, v string) {
		if v != "" {
			*dst = v
		}
		track(key, v != "")
	}
	num := func(key string, dst *int, v int) {
		if v != 0 {
			*dst = v
		}
		track(key, v != 0)
	}

	str("recorder.directory", &result.Recorder.Directory, profile.Recorder.Directory)
	str("recorder.format", &result.Recorder.Format, profile.Recorder.Format)
	num("recorder.max_buffer_seconds", &result.Recorder.MaxBufferSeconds, profile.Recorder.MaxBufferSeconds)
	num("recorder.quantum_us", &result.Recorder.QuantumUs, profile.Recorder.QuantumUs)

	str("amplifier.amp_name", &result.Amplifier.AmpName, profile.Amplifier.AmpName)
	str("amplifier.amp_serial", &result.Amplifier.AmpSerial, profile.Amplifier.AmpSerial)
	// A loaded profile always decides eeg_only.
	result.Amplifier.EEGOnly = profile.Amplifier.EEGOnly

	str("receiver.backend", &result.Receiver.Backend, profile.Receiver.Backend)
	if len(profile.Receiver.Amplifiers) > 0 {
		result.Receiver.Amplifiers = profile.Receiver.Amplifiers
	}
	track("receiver.amplifiers", len(profile.Receiver.Amplifiers) > 0)
	if len(profile.Receiver.ReplayFiles) > 0 {
		result.Receiver.ReplayFiles = profile.Receiver.ReplayFiles
	}
	track("receiver.replay_files", len(profile.Receiver.ReplayFiles) > 0)

	str("trigger.type", &result.Trigger.Type, profile.Trigger.Type)
	str("trigger.port_address", &result.Trigger.PortAddress, profile.Trigger.PortAddress)
	str("trigger.device", &result.Trigger.Device, profile.Trigger.Device)
	str("trigger.serial_port", &result.Trigger.SerialPort, profile.Trigger.SerialPort)
	num("trigger.baud", &result.Trigger.Baud, profile.Trigger.Baud)
	num("trigger.delay_ms", &result.Trigger.DelayMs, profile.Trigger.DelayMs)
	result.Trigger.Verbose = result.Trigger.Verbose || profile.Trigger.Verbose

	str("publisher.type", &result.Publisher.Type, profile.Publisher.Type)
	str("publisher.broker", &result.Publisher.Broker, profile.Publisher.Broker)
	str("publisher.client_id", &result.Publisher.ClientID, profile.Publisher.ClientID)
	str("publisher.username", &result.Publisher.Username, profile.Publisher.Username)
	str("publisher.password", &result.Publisher.Password, profile.Publisher.Password)
	str("publisher.redis_addr", &result.Publisher.RedisAddr, profile.Publisher.RedisAddr)
	num("publisher.redis_db", &result.Publisher.RedisDB, profile.Publisher.RedisDB)
	str("publisher.topic_prefix", &result.Publisher.TopicPrefix, profile.Publisher.TopicPrefix)

	str("server.port", &result.Server.Port, profile.Server.Port)
	if profile.Server.TriggerRate != 0 {
		result.Server.TriggerRate = profile.Server.TriggerRate
	}
	track("server.trigger_rate", profile.Server.TriggerRate != 0)
	num("server.trigger_burst", &result.Server.TriggerBurst, profile.Server.TriggerBurst)

	return result
}

// envOverrides lists the settings that can be overridden from the
// environment (or a .env file), as STREAMREC_<SECTION>_<KEY>.
var envOverrides = []string{
	"recorder.directory",
	"recorder.format",
	"trigger.type",
	"trigger.port_address",
	"trigger.serial_port",
	"publisher.type",
	"publisher.broker",
	"publisher.username",
	"publisher.password",
	"publisher.redis_addr",
	"server.port",
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	targets := map[string]*string{
		"recorder.directory":   &cfg.Recorder.Directory,
		"recorder.format":      &cfg.Recorder.Format,
		"trigger.type":         &cfg.Trigger.Type,
		"trigger.port_address": &cfg.Trigger.PortAddress,
		"trigger.serial_port":  &cfg.Trigger.SerialPort,
		"publisher.type":       &cfg.Publisher.Type,
		"publisher.broker":     &cfg.Publisher.Broker,
		"publisher.username":   &cfg.Publisher.Username,
		"publisher.password":   &cfg.Publisher.Password,
		"publisher.redis_addr": &cfg.Publisher.RedisAddr,
		"server.port":          &cfg.Server.Port,
	}
	for _, key := range envOverrides {
		if val := v.GetString(key); val != "" {
			*targets[key] = val
			if cfg.Inheritance != nil {
				cfg.Inheritance.Settings[key] = "environment"
			}
		}
	}

	cfg.Recorder.Directory = expandPath(cfg.Recorder.Directory)
	for i, f := range cfg.Receiver.ReplayFiles {
		cfg.Receiver.ReplayFiles[i] = expandPath(f)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// MaxBuffer returns the per-stream buffer bound.
func (c *Config) MaxBuffer() time.Duration {
	return time.Duration(c.Recorder.MaxBufferSeconds) * time.Second
}

// Quantum returns the acquisition loop period.
func (c *Config) Quantum() time.Duration {
	return time.Duration(c.Recorder.QuantumUs) * time.Microsecond
}

// Delay returns the trigger refractory delay.
func (t TriggerConfig) Delay() time.Duration {
	return time.Duration(t.DelayMs) * time.Millisecond
}

// ParsePortAddress parses an LPT base address written in decimal, 0x hex or
// 0o octal notation.
func ParsePortAddress(s string) (uint16, error) {
	addr, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port address %q: %w", s, err)
	}
	return uint16(addr), nil
}
