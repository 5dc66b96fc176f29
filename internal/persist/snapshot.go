package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/snksoft/crc"
	"google.golang.org/protobuf/encoding/protowire"
)

// Magic prefixes every raw artifact.
const Magic = "SRAW1\n"

const (
	fieldAmpName    protowire.Number = 1
	fieldSessionID  protowire.Number = 2
	fieldCreated    protowire.Number = 3
	fieldSampleRate protowire.Number = 4
	fieldChNames    protowire.Number = 5
	fieldTimeOffset protowire.Number = 6
	fieldTimestamps protowire.Number = 7
	fieldSignals    protowire.Number = 8
	fieldEvents     protowire.Number = 9
	fieldChannels   protowire.Number = 10

	fieldEventTimestamp protowire.Number = 1
	fieldEventValue     protowire.Number = 2
)

var (
	// ErrBadMagic is returned when the data does not start with Magic.
	ErrBadMagic = errors.New("not a raw stream artifact")
	// ErrChecksum is returned when the CRC trailer does not match the payload.
	ErrChecksum = errors.New("raw artifact checksum mismatch")

	crcTable = crc.NewTable(crc.CRC32)
)

// Event is a trigger value at a local clock timestamp.
type Event struct {
	Timestamp float64
	Value     int
}

// Snapshot is the in-memory form of one amplifier's raw artifact.
// Signals is indexed [sample][channel] and parallel to Timestamps.
type Snapshot struct {
	AmpName      string
	SessionID    string
	Created      int64
	SampleRate   float64
	ChannelNames []string
	Signals      [][]float64
	Timestamps   []float64
	Events       []Event
	TimeOffset   float64
}

// Channels returns the channel count.
func (s *Snapshot) Channels() int {
	return len(s.ChannelNames)
}

// Samples returns the sample count.
func (s *Snapshot) Samples() int {
	return len(s.Timestamps)
}

// Validate checks the shape invariants of the snapshot.
func (s *Snapshot) Validate() error {
	if len(s.Signals) != len(s.Timestamps) {
		return fmt.Errorf("signals has %d samples but timestamps has %d", len(s.Signals), len(s.Timestamps))
	}
	nch := s.Channels()
	for i, row := range s.Signals {
		if len(row) != nch {
			return fmt.Errorf("sample %d has %d channels, expected %d", i, len(row), nch)
		}
	}
	if s.SampleRate < 0 || math.IsNaN(s.SampleRate) {
		return fmt.Errorf("invalid sample rate %v", s.SampleRate)
	}
	return nil
}

func checksum(b []byte) uint32 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, b)
	return crcTable.CRC32(c)
}

// Marshal encodes the snapshot as magic, protobuf wire message and CRC-32 trailer.
func Marshal(s *Snapshot) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var msg []byte
	msg = protowire.AppendTag(msg, fieldAmpName, protowire.BytesType)
	msg = protowire.AppendString(msg, s.AmpName)
	msg = protowire.AppendTag(msg, fieldSessionID, protowire.BytesType)
	msg = protowire.AppendString(msg, s.SessionID)
	msg = protowire.AppendTag(msg, fieldCreated, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(s.Created))
	msg = protowire.AppendTag(msg, fieldSampleRate, protowire.Fixed64Type)
	msg = protowire.AppendFixed64(msg, math.Float64bits(s.SampleRate))
	for _, name := range s.ChannelNames {
		msg = protowire.AppendTag(msg, fieldChNames, protowire.BytesType)
		msg = protowire.AppendString(msg, name)
	}
	msg = protowire.AppendTag(msg, fieldTimeOffset, protowire.Fixed64Type)
	msg = protowire.AppendFixed64(msg, math.Float64bits(s.TimeOffset))
	msg = protowire.AppendTag(msg, fieldChannels, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(s.Channels()))

	if len(s.Timestamps) > 0 {
		msg = protowire.AppendTag(msg, fieldTimestamps, protowire.BytesType)
		msg = protowire.AppendBytes(msg, packDoubles(s.Timestamps))
	}

	if len(s.Signals) > 0 && s.Channels() > 0 {
		flat := make([]float64, 0, len(s.Signals)*s.Channels())
		for _, row := range s.Signals {
			flat = append(flat, row...)
		}
		msg = protowire.AppendTag(msg, fieldSignals, protowire.BytesType)
		msg = protowire.AppendBytes(msg, packDoubles(flat))
	}

	for _, ev := range s.Events {
		var em []byte
		em = protowire.AppendTag(em, fieldEventTimestamp, protowire.Fixed64Type)
		em = protowire.AppendFixed64(em, math.Float64bits(ev.Timestamp))
		em = protowire.AppendTag(em, fieldEventValue, protowire.VarintType)
		em = protowire.AppendVarint(em, protowire.EncodeZigZag(int64(ev.Value)))
		msg = protowire.AppendTag(msg, fieldEvents, protowire.BytesType)
		msg = protowire.AppendBytes(msg, em)
	}

	out := make([]byte, 0, len(Magic)+len(msg)+4)
	out = append(out, Magic...)
	out = append(out, msg...)
	out = binary.BigEndian.AppendUint32(out, checksum(msg))
	return out, nil
}

// Unmarshal decodes data produced by Marshal, verifying the checksum.
func Unmarshal(data []byte) (*Snapshot, error) {
	if !bytes.HasPrefix(data, []byte(Magic)) {
		return nil, ErrBadMagic
	}
	body := data[len(Magic):]
	if len(body) < 4 {
		return nil, fmt.Errorf("truncated raw artifact: %d bytes", len(data))
	}
	msg, trailer := body[:len(body)-4], body[len(body)-4:]
	if binary.BigEndian.Uint32(trailer) != checksum(msg) {
		return nil, ErrChecksum
	}

	s := &Snapshot{}
	var flat []float64
	channels := -1

	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch {
		case num == fieldAmpName && typ == protowire.BytesType:
			s.AmpName, n = protowire.ConsumeString(msg)
		case num == fieldSessionID && typ == protowire.BytesType:
			s.SessionID, n = protowire.ConsumeString(msg)
		case num == fieldCreated && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(msg)
			s.Created = int64(v)
		case num == fieldSampleRate && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(msg)
			s.SampleRate = math.Float64frombits(v)
		case num == fieldChNames && typ == protowire.BytesType:
			var name string
			name, n = protowire.ConsumeString(msg)
			s.ChannelNames = append(s.ChannelNames, name)
		case num == fieldTimeOffset && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(msg)
			s.TimeOffset = math.Float64frombits(v)
		case num == fieldChannels && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(msg)
			channels = int(v)
		case num == fieldTimestamps && typ == protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(msg)
			if n >= 0 {
				vals, err := unpackDoubles(b)
				if err != nil {
					return nil, fmt.Errorf("timestamps: %w", err)
				}
				s.Timestamps = append(s.Timestamps, vals...)
			}
		case num == fieldSignals && typ == protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(msg)
			if n >= 0 {
				vals, err := unpackDoubles(b)
				if err != nil {
					return nil, fmt.Errorf("signals: %w", err)
				}
				flat = append(flat, vals...)
			}
		case num == fieldEvents && typ == protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(msg)
			if n >= 0 {
				ev, err := unmarshalEvent(b)
				if err != nil {
					return nil, fmt.Errorf("event %d: %w", len(s.Events), err)
				}
				s.Events = append(s.Events, ev)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		msg = msg[n:]
	}

	if channels >= 0 && channels != len(s.ChannelNames) {
		return nil, fmt.Errorf("header declares %d channels but names %d", channels, len(s.ChannelNames))
	}

	nch := len(s.ChannelNames)
	switch {
	case nch == 0 && len(flat) > 0:
		return nil, fmt.Errorf("signal data present without channels")
	case nch > 0 && len(flat)%nch != 0:
		return nil, fmt.Errorf("signal length %d is not a multiple of %d channels", len(flat), nch)
	}
	if nch > 0 {
		s.Signals = make([][]float64, len(flat)/nch)
		for i := range s.Signals {
			s.Signals[i] = flat[i*nch : (i+1)*nch : (i+1)*nch]
		}
	} else {
		s.Signals = make([][]float64, len(s.Timestamps))
		for i := range s.Signals {
			s.Signals[i] = []float64{}
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalEvent(b []byte) (Event, error) {
	var ev Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ev, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldEventTimestamp && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			ev.Timestamp = math.Float64frombits(v)
		case num == fieldEventValue && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			ev.Value = int(protowire.DecodeZigZag(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return ev, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return ev, nil
}

func packDoubles(vals []float64) []byte {
	b := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

func unpackDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("packed doubles length %d is not a multiple of 8", len(b))
	}
	vals := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		vals = append(vals, math.Float64frombits(v))
		b = b[n:]
	}
	return vals, nil
}
