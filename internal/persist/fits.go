package persist

import (
	"fmt"
	"io"
	"time"

	"github.com/astrogo/fitsio"
)

const (
	eventsExtension = "EVENTS"
	timesExtension  = "TIMES"
)

// Interchange is a parsed interchange artifact.
type Interchange struct {
	AmpName      string
	SessionID    string
	SampleRate   float64
	TimeOffset   float64
	ChannelNames []string
	Signals      [][]float64
	Timestamps   []float64
	Annotations  []Annotation
}

// writeFITS streams snap as a FITS file to w: a float64 primary image of
// nsamples x nchannels followed by EVENTS and TIMES binary tables.
func writeFITS(w io.Writer, snap *Snapshot, annotations []Annotation) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	nsamp, nch := snap.Samples(), snap.Channels()
	var dims []int
	if nsamp > 0 && nch > 0 {
		dims = []int{nsamp, nch}
	}

	img := fitsio.NewImage(-64, dims)
	defer img.Close()

	tstart := 0.0
	if nsamp > 0 {
		tstart = snap.Timestamps[0]
	}
	cards := []fitsio.Card{
		{Name: "SFREQ", Value: snap.SampleRate, Comment: "sample rate [Hz]"},
		{Name: "NCHAN", Value: nch, Comment: "number of channels"},
		{Name: "NSAMP", Value: nsamp, Comment: "number of samples"},
		{Name: "AMPNAME", Value: snap.AmpName, Comment: "amplifier stream name"},
		{Name: "SESSID", Value: snap.SessionID, Comment: "recording session id"},
		{Name: "TOFFSET", Value: snap.TimeOffset, Comment: "stream time offset [s]"},
		{Name: "TSTART", Value: tstart, Comment: "first sample local clock [s]"},
		{Name: "DATE", Value: time.Unix(snap.Created, 0).UTC().Format("2006-01-02T15:04:05"), Comment: "session creation (UTC)"},
	}
	for i, name := range snap.ChannelNames {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("CH%03d", i+1), Value: name})
	}
	if err := img.Header().Append(cards...); err != nil {
		return err
	}

	if dims != nil {
		// NAXIS1 varies fastest, so each channel is one contiguous run.
		data := make([]float64, nsamp*nch)
		for s, row := range snap.Signals {
			for c, v := range row {
				data[c*nsamp+s] = v
			}
		}
		if err := img.Write(data); err != nil {
			return err
		}
	}
	if err := f.Write(img); err != nil {
		return err
	}

	events, err := fitsio.NewTable(eventsExtension, []fitsio.Column{
		{Name: "ONSET", Format: "D", Unit: "s"},
		{Name: "SAMPLE", Format: "K"},
		{Name: "VALUE", Format: "J"},
	}, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer events.Close()
	for _, a := range annotations {
		onset, sample, value := a.Onset, int64(a.Sample), int32(a.Value)
		if err := events.Write(&onset, &sample, &value); err != nil {
			return fmt.Errorf("writing event row: %w", err)
		}
	}
	if err := f.Write(events); err != nil {
		return err
	}

	times, err := fitsio.NewTable(timesExtension, []fitsio.Column{
		{Name: "TIME", Format: "D", Unit: "s"},
	}, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer times.Close()
	for _, ts := range snap.Timestamps {
		ts := ts
		if err := times.Write(&ts); err != nil {
			return fmt.Errorf("writing timestamp row: %w", err)
		}
	}
	return f.Write(times)
}

// ReadFITS parses a FITS interchange artifact written by Convert.
func ReadFITS(r io.Reader) (*Interchange, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdus := f.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("no HDU in FITS file")
	}
	prim, ok := hdus[0].(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU is not an image")
	}
	hdr := prim.Header()

	out := &Interchange{
		AmpName:    cardString(hdr, "AMPNAME"),
		SessionID:  cardString(hdr, "SESSID"),
		SampleRate: cardFloat(hdr, "SFREQ"),
		TimeOffset: cardFloat(hdr, "TOFFSET"),
	}
	nch := int(cardFloat(hdr, "NCHAN"))
	nsamp := int(cardFloat(hdr, "NSAMP"))
	for i := 0; i < nch; i++ {
		out.ChannelNames = append(out.ChannelNames, cardString(hdr, fmt.Sprintf("CH%03d", i+1)))
	}

	out.Signals = make([][]float64, nsamp)
	if nsamp > 0 && nch > 0 {
		data := make([]float64, nsamp*nch)
		if err := prim.Read(&data); err != nil {
			return nil, fmt.Errorf("reading signal image: %w", err)
		}
		if len(data) != nsamp*nch {
			return nil, fmt.Errorf("signal image has %d values, expected %d", len(data), nsamp*nch)
		}
		for s := range out.Signals {
			row := make([]float64, nch)
			for c := range row {
				row[c] = data[c*nsamp+s]
			}
			out.Signals[s] = row
		}
	} else {
		for s := range out.Signals {
			out.Signals[s] = make([]float64, nch)
		}
	}

	for _, hdu := range hdus[1:] {
		tbl, ok := hdu.(*fitsio.Table)
		if !ok {
			continue
		}
		switch hdu.Name() {
		case eventsExtension:
			err = scanRows(tbl, func(rows *fitsio.Rows) error {
				var onset float64
				var sample int64
				var value int32
				if err := rows.Scan(&onset, &sample, &value); err != nil {
					return err
				}
				out.Annotations = append(out.Annotations, Annotation{Onset: onset, Sample: int(sample), Value: int(value)})
				return nil
			})
		case timesExtension:
			out.Timestamps = make([]float64, 0, tbl.NumRows())
			err = scanRows(tbl, func(rows *fitsio.Rows) error {
				var ts float64
				if err := rows.Scan(&ts); err != nil {
					return err
				}
				out.Timestamps = append(out.Timestamps, ts)
				return nil
			})
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s table: %w", hdu.Name(), err)
		}
	}

	if len(out.Timestamps) != nsamp {
		return nil, fmt.Errorf("TIMES table has %d rows, expected %d", len(out.Timestamps), nsamp)
	}
	return out, nil
}

func scanRows(tbl *fitsio.Table, fn func(*fitsio.Rows) error) error {
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func cardString(hdr *fitsio.Header, name string) string {
	card := hdr.Get(name)
	if card == nil {
		return ""
	}
	if s, ok := card.Value.(string); ok {
		return s
	}
	return fmt.Sprint(card.Value)
}

// cardFloat reads a numeric card. Integral floats may come back as ints.
func cardFloat(hdr *fitsio.Header, name string) float64 {
	card := hdr.Get(name)
	if card == nil {
		return 0
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	}
	return 0
}
