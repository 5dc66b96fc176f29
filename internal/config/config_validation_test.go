package config

import (
	"os"
	"strings"
	"testing"
)

const validConfigYAML = `
active_config: lab

definitions:
  amplifiers:
    - id: eeg8
      name: EEG8
      serial: SIM-0001
      type: EEG
      sample_rate: 512
      channels: [Fp1, Fp2, C3, Cz, C4, P3, Pz, P4]
      signal_hz: 10
      amplitude: 50
    - id: emg2
      name: EMG2
      serial: SIM-0002
      type: EMG
      sample_rate: 1024
      channels: [EMG1, EMG2]

configs:
  default:
    recorder:
      directory: ~/BCI/default
      format: edf
    trigger:
      type: mock
      delay_ms: 20
    receiver:
      backend: simulated
      amplifiers:
        - ref: eeg8
  lab:
    amplifier:
      amp_name: EEG8
    receiver:
      amplifiers:
        - ref: eeg8
        - ref: emg2
          sample_rate: 2048
    publisher:
      type: redis
      redis_addr: localhost:6379
`

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	configFile := createTempConfig(t, validConfigYAML)
	defer os.Remove(configFile)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if rootConfig.ActiveConfig != "lab" {
		t.Errorf("Expected active config 'lab', got '%s'", rootConfig.ActiveConfig)
	}
	if rootConfig.Definitions == nil || len(rootConfig.Definitions.Amplifiers) != 2 {
		t.Fatalf("Expected 2 amplifier definitions, got %+v", rootConfig.Definitions)
	}

	def := rootConfig.Definitions.Amplifiers[0]
	if def.ID != "eeg8" || def.Name != "EEG8" || def.SampleRate != 512 || len(def.Channels) != 8 {
		t.Errorf("Invalid first definition: %+v", def)
	}

	lab := rootConfig.Configs["lab"]
	if lab == nil {
		t.Fatal("Expected lab config")
	}
	if len(lab.Receiver.Amplifiers) != 2 {
		t.Fatalf("Expected 2 amplifier references, got %d", len(lab.Receiver.Amplifiers))
	}
	ref := lab.Receiver.Amplifiers[1]
	if ref.Ref != "emg2" || ref.SampleRate == nil || *ref.SampleRate != 2048 {
		t.Errorf("Expected emg2 reference with sample_rate override 2048, got %+v", ref)
	}
}

func TestValidateConfigurationFormat_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing configs",
			content: "active_config: x\n",
			wantErr: "configs section is required",
		},
		{
			name: "duplicate definition id",
			content: `
definitions:
  amplifiers:
    - {id: a, name: A, type: EEG, sample_rate: 100, channels: [c1]}
    - {id: a, name: B, type: EEG, sample_rate: 100, channels: [c1]}
configs:
  default: {recorder: {format: fits}}
`,
			wantErr: "duplicate ID 'a'",
		},
		{
			name: "zero sample rate",
			content: `
definitions:
  amplifiers:
    - {id: a, name: A, type: EEG, sample_rate: 0, channels: [c1]}
configs:
  default: {recorder: {format: fits}}
`,
			wantErr: "'sample_rate' must be > 0",
		},
		{
			name: "duplicate channel",
			content: `
definitions:
  amplifiers:
    - {id: a, name: A, type: EEG, sample_rate: 100, channels: [c1, c1]}
configs:
  default: {recorder: {format: fits}}
`,
			wantErr: "duplicate channel 'c1'",
		},
		{
			name: "undefined reference",
			content: `
configs:
  default:
    receiver:
      amplifiers:
        - ref: missing
`,
			wantErr: "undefined amplifier definition 'missing'",
		},
		{
			name: "bad override",
			content: `
definitions:
  amplifiers:
    - {id: a, name: A, type: EEG, sample_rate: 100, channels: [c1]}
configs:
  default:
    receiver:
      amplifiers:
        - {ref: a, sample_rate: -1}
`,
			wantErr: "sample_rate override must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile := createTempConfig(t, tt.content)
			defer os.Remove(configFile)

			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateDefinitions(t *testing.T) {
	valid := AmplifierDefinition{ID: "a", Name: "A", Type: "EEG", SampleRate: 100, Channels: []string{"c1", "c2"}, SignalHz: 10}

	tests := []struct {
		name    string
		defs    []AmplifierDefinition
		wantErr string
	}{
		{"valid", []AmplifierDefinition{valid}, ""},
		{"missing id", []AmplifierDefinition{{Name: "A", Type: "EEG", SampleRate: 100, Channels: []string{"c1"}}}, "'id' is required"},
		{"duplicate id", []AmplifierDefinition{valid, valid}, "definitions.amplifiers[1]: duplicate ID 'a'"},
		{"zero sample rate", []AmplifierDefinition{{ID: "a", Name: "A", Type: "EEG", Channels: []string{"c1"}}}, "'sample_rate' must be > 0"},
		{"no channels", []AmplifierDefinition{{ID: "a", Name: "A", Type: "EEG", SampleRate: 100}}, "'channels' is required"},
		{"duplicate channel", []AmplifierDefinition{{ID: "a", Name: "A", Type: "EEG", SampleRate: 100, Channels: []string{"c1", "c1"}}}, "duplicate channel 'c1'"},
		{"above nyquist", []AmplifierDefinition{{ID: "a", Name: "A", Type: "EEG", SampleRate: 100, Channels: []string{"c1"}, SignalHz: 50}}, "Nyquist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDefinitions(&DefinitionsConfig{Amplifiers: tt.defs})
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}

	if err := validateDefinitions(nil); err != nil {
		t.Errorf("Expected missing definitions to be accepted, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad format", func(c *Config) { c.Recorder.Format = "fif" }, "recorder.format"},
		{"empty directory", func(c *Config) { c.Recorder.Directory = "" }, "recorder.directory"},
		{"zero buffer", func(c *Config) { c.Recorder.MaxBufferSeconds = 0 }, "recorder.max_buffer_seconds"},
		{"zero quantum", func(c *Config) { c.Recorder.QuantumUs = 0 }, "recorder.quantum_us"},
		{"unknown backend", func(c *Config) { c.Receiver.Backend = "lsl" }, "receiver.backend"},
		{"replay without files", func(c *Config) { c.Receiver.Backend = "replay" }, "receiver.replay_files"},
		{"no amplifiers", func(c *Config) { c.Receiver.Amplifiers = nil }, "receiver.amplifiers"},
		{"duplicate amplifier", func(c *Config) {
			c.Receiver.Amplifiers = append(c.Receiver.Amplifiers, c.Receiver.Amplifiers[0])
		}, "duplicate amplifier name"},
		{"above nyquist", func(c *Config) { c.Receiver.Amplifiers[0].SignalHz = 300 }, "Nyquist"},
		{"unknown trigger", func(c *Config) { c.Trigger.Type = "usb" }, "trigger.type"},
		{"negative delay", func(c *Config) { c.Trigger.DelayMs = -1 }, "trigger.delay_ms"},
		{"bad lpt address", func(c *Config) {
			c.Trigger.Type = "lpt"
			c.Trigger.PortAddress = "zz"
		}, "trigger.port_address"},
		{"serial without port", func(c *Config) { c.Trigger.Type = "serial" }, "trigger.serial_port"},
		{"mqtt without broker", func(c *Config) { c.Publisher.Type = "mqtt" }, "publisher.broker"},
		{"redis without addr", func(c *Config) { c.Publisher.Type = "redis" }, "publisher.redis_addr"},
		{"bad port", func(c *Config) { c.Server.Port = "http" }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

// Helper functions

func createTempConfig(t *testing.T, content string) string {
	tmpfile, err := os.CreateTemp("", "streamrec-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
