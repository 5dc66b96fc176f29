package receiver

import (
	"fmt"
	"strings"

	"github.com/bcilibrelab/streamrec/internal/config"
	"github.com/bcilibrelab/streamrec/internal/persist"
	"github.com/spf13/afero"
)

// BackendType represents the type of stream backend
type BackendType string

const (
	BackendTypeSimulated BackendType = "simulated"
	BackendTypeReplay    BackendType = "replay"
)

// NewConnector creates a connector for the backend selected in cfg. Replay
// files are read from fs.
func NewConnector(cfg *config.Config, fs afero.Fs) (Connector, error) {
	switch determineBackend(cfg) {
	case BackendTypeSimulated:
		amps := make([]SimulatedAmp, 0, len(cfg.Receiver.Amplifiers))
		for _, def := range cfg.Receiver.Amplifiers {
			amps = append(amps, SimulatedAmpFromDefinition(def))
		}
		return NewSimulated(amps...), nil
	case BackendTypeReplay:
		return NewReplay(persist.NewStore(fs), cfg.Receiver.ReplayFiles...), nil
	}
	return nil, fmt.Errorf("unknown receiver backend %q", cfg.Receiver.Backend)
}

// SimulatedAmpFromDefinition builds a simulated amplifier from its configuration.
func SimulatedAmpFromDefinition(def config.AmplifierDefinition) SimulatedAmp {
	return SimulatedAmp{
		Info: StreamInfo{
			Name:         def.Name,
			Serial:       def.Serial,
			Type:         def.Type,
			SampleRate:   def.SampleRate,
			ChannelNames: append([]string(nil), def.Channels...),
		},
		SignalHz:  def.SignalHz,
		Amplitude: def.Amplitude,
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Receiver.Backend) {
	case "", "simulated":
		return BackendTypeSimulated
	case "replay":
		return BackendTypeReplay
	}
	return BackendType(cfg.Receiver.Backend)
}

// GetAvailableBackends returns the stream backends compiled into this build
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeSimulated, BackendTypeReplay}
}
