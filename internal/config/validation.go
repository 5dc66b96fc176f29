package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

var (
	validFormats    = []string{"fits", "edf"}
	validBackends   = []string{"simulated", "replay"}
	validTriggers   = []string{"none", "software", "mock", "lpt", "serial"}
	validPublishers = []string{"none", "hub", "mqtt", "redis"}
)

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validateAmplifierReferences(configProfile.Receiver.Amplifiers, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section. It is optional,
// but every definition present must be complete.
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Amplifiers {
		prefix := fmt.Sprintf("definitions.amplifiers[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateAmplifierDefinition(def, prefix); err != nil {
			return err
		}
	}
	return nil
}

// validateAmplifierDefinition validates a single amplifier definition
func validateAmplifierDefinition(def AmplifierDefinition, prefix string) error {
	if def.Name == "" {
		return fmt.Errorf("%s: 'name' is required", prefix)
	}
	if def.Type == "" {
		return fmt.Errorf("%s: 'type' is required", prefix)
	}
	if def.SampleRate <= 0 {
		return fmt.Errorf("%s: 'sample_rate' must be > 0, got: %v", prefix, def.SampleRate)
	}
	if len(def.Channels) == 0 {
		return fmt.Errorf("%s: 'channels' is required and cannot be empty", prefix)
	}

	seen := make(map[string]bool)
	for j, ch := range def.Channels {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("%s: channels[%d] cannot be empty", prefix, j)
		}
		if seen[ch] {
			return fmt.Errorf("%s: duplicate channel '%s'", prefix, ch)
		}
		seen[ch] = true
	}

	if def.SignalHz < 0 {
		return fmt.Errorf("%s: 'signal_hz' must be >= 0, got: %v", prefix, def.SignalHz)
	}
	if def.SignalHz >= def.SampleRate/2 && def.SignalHz > 0 {
		return fmt.Errorf("%s: 'signal_hz' %v must be below Nyquist (%v)", prefix, def.SignalHz, def.SampleRate/2)
	}
	return nil
}

// validateAmplifierReferences validates amplifier references in a config profile
func validateAmplifierReferences(refs []AmplifierReference, definitions *DefinitionsConfig) error {
	for i, ref := range refs {
		prefix := fmt.Sprintf("receiver.amplifiers[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}
		if findDefinition(definitions, ref.Ref) == nil {
			return fmt.Errorf("%s: references undefined amplifier definition '%s'", prefix, ref.Ref)
		}
		if ref.SampleRate != nil && *ref.SampleRate <= 0 {
			return fmt.Errorf("%s: sample_rate override must be > 0, got %v", prefix, *ref.SampleRate)
		}
	}
	return nil
}

// Validate checks a resolved configuration.
func Validate(cfg *Config) error {
	if cfg.Recorder.Directory == "" {
		return fmt.Errorf("recorder.directory: is required")
	}
	if !oneOf(cfg.Recorder.Format, validFormats) {
		return fmt.Errorf("recorder.format: must be one of %v, got: %s", validFormats, cfg.Recorder.Format)
	}
	if cfg.Recorder.MaxBufferSeconds <= 0 {
		return fmt.Errorf("recorder.max_buffer_seconds: must be > 0, got: %d", cfg.Recorder.MaxBufferSeconds)
	}
	if cfg.Recorder.QuantumUs <= 0 {
		return fmt.Errorf("recorder.quantum_us: must be > 0, got: %d", cfg.Recorder.QuantumUs)
	}

	if err := validateReceiver(cfg.Receiver); err != nil {
		return err
	}
	if err := validateTrigger(cfg.Trigger); err != nil {
		return err
	}
	if err := validatePublisher(cfg.Publisher); err != nil {
		return err
	}

	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("server.port: must be a TCP port number, got: %s", cfg.Server.Port)
	}
	if cfg.Server.TriggerRate < 0 {
		return fmt.Errorf("server.trigger_rate: must be >= 0, got: %v", cfg.Server.TriggerRate)
	}
	return nil
}

func validateReceiver(rc ReceiverConfig) error {
	if !oneOf(rc.Backend, validBackends) {
		return fmt.Errorf("receiver.backend: must be one of %v, got: %s", validBackends, rc.Backend)
	}
	switch rc.Backend {
	case "simulated":
		if len(rc.Amplifiers) == 0 {
			return fmt.Errorf("receiver.amplifiers: simulated backend needs at least one amplifier")
		}
		names := make(map[string]bool)
		for i, amp := range rc.Amplifiers {
			prefix := fmt.Sprintf("receiver.amplifiers[%d]", i)
			if err := validateAmplifierDefinition(amp, prefix); err != nil {
				return err
			}
			if names[amp.Name] {
				return fmt.Errorf("%s: duplicate amplifier name '%s'", prefix, amp.Name)
			}
			names[amp.Name] = true
		}
	case "replay":
		if len(rc.ReplayFiles) == 0 {
			return fmt.Errorf("receiver.replay_files: replay backend needs at least one raw file")
		}
	}
	return nil
}

func validateTrigger(tc TriggerConfig) error {
	if !oneOf(tc.Type, validTriggers) {
		return fmt.Errorf("trigger.type: must be one of %v, got: %s", validTriggers, tc.Type)
	}
	if tc.DelayMs < 0 {
		return fmt.Errorf("trigger.delay_ms: must be >= 0, got: %d", tc.DelayMs)
	}
	switch tc.Type {
	case "lpt":
		if _, err := ParsePortAddress(tc.PortAddress); err != nil {
			return fmt.Errorf("trigger.port_address: %w", err)
		}
	case "serial":
		if tc.SerialPort == "" {
			return fmt.Errorf("trigger.serial_port: is required for serial triggers")
		}
		if tc.Baud <= 0 {
			return fmt.Errorf("trigger.baud: must be > 0, got: %d", tc.Baud)
		}
	}
	return nil
}

func validatePublisher(pc PublisherConfig) error {
	if !oneOf(pc.Type, validPublishers) {
		return fmt.Errorf("publisher.type: must be one of %v, got: %s", validPublishers, pc.Type)
	}
	switch pc.Type {
	case "mqtt":
		if pc.Broker == "" {
			return fmt.Errorf("publisher.broker: is required for mqtt")
		}
	case "redis":
		if pc.RedisAddr == "" {
			return fmt.Errorf("publisher.redis_addr: is required for redis")
		}
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
