package persist

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/OpenPSG/edf"
)

const (
	edfDigitalMin = -32768
	edfDigitalMax = 32767
	// Header fields hold 8 characters.
	edfPhysicalLimit = 99999999
	// Largest data record recommended by the EDF standard, in samples.
	edfMaxRecordSamples = 61440 / 2

	triggerLabel = "TRIGGER"
)

// writeEDF streams snap to w as EDF with one-second data records. The first
// signal is a TRIGGER channel holding event values on their sample, followed
// by one signal per channel with its physical range taken from the data.
func writeEDF(w io.WriteSeeker, snap *Snapshot, annotations []Annotation) error {
	spr := int(math.Round(snap.SampleRate))
	if spr <= 0 || math.Abs(snap.SampleRate-float64(spr)) > 1e-9 {
		return fmt.Errorf("EDF needs an integral sample rate, got %v Hz", snap.SampleRate)
	}
	nch := snap.Channels()
	if (nch+1)*spr > edfMaxRecordSamples {
		return fmt.Errorf("%d channels at %d Hz exceed the EDF data record limit", nch, spr)
	}

	nsamp := snap.Samples()
	trigger := make([]float64, nsamp)
	for _, a := range annotations {
		trigger[a.Sample] = float64(a.Value)
	}

	signals := make([]edf.SignalHeader, 0, nch+1)
	signals = append(signals, edf.SignalHeader{
		Label:            triggerLabel,
		PhysicalMin:      edfDigitalMin,
		PhysicalMax:      edfDigitalMax,
		DigitalMin:       edfDigitalMin,
		DigitalMax:       edfDigitalMax,
		SamplesPerRecord: spr,
	})
	for c, name := range snap.ChannelNames {
		pmin, pmax := physicalRange(snap.Signals, c)
		signals = append(signals, edf.SignalHeader{
			Label:             truncate(name, 16),
			PhysicalDimension: "uV",
			PhysicalMin:       pmin,
			PhysicalMax:       pmax,
			DigitalMin:        edfDigitalMin,
			DigitalMax:        edfDigitalMax,
			SamplesPerRecord:  spr,
		})
	}

	ew, err := edf.Create(w, edf.Header{
		Version:            edf.Version0,
		PatientID:          "X",
		RecordingID:        truncate(fmt.Sprintf("Startdate %s %s", snap.AmpName, snap.SessionID), 80),
		StartTime:          time.Unix(snap.Created, 0),
		DataRecordDuration: time.Second,
		SignalCount:        len(signals),
		Signals:            signals,
	})
	if err != nil {
		return err
	}

	for start := 0; start < nsamp; start += spr {
		record := make([][]float64, len(signals))
		for i := range record {
			record[i] = make([]float64, spr)
		}
		for s := start; s < start+spr && s < nsamp; s++ {
			record[0][s-start] = trigger[s]
			for c, v := range snap.Signals[s] {
				record[c+1][s-start] = v
			}
		}
		if err := ew.WriteRecord(record); err != nil {
			return fmt.Errorf("writing data record %d: %w", start/spr, err)
		}
	}
	return ew.Close()
}

// physicalRange returns an integral range covering channel c. Integral
// bounds survive the header's fixed width formatting unchanged.
func physicalRange(signals [][]float64, c int) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range signals {
		v := row[c]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return -1, 1
	}
	lo, hi = math.Floor(lo), math.Ceil(hi)
	if lo == hi {
		lo, hi = lo-1, hi+1
	}
	return math.Max(lo, -edfPhysicalLimit), math.Min(hi, edfPhysicalLimit)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
