package rawbuf

import (
	"bytes"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	t.Run("valid header", func(t *testing.T) {
		raw := Sentinel(42)
		d, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if d.MBID != 42 {
			t.Errorf("MBID = %d, want 42", d.MBID)
		}
		if !d.IsEOS() {
			t.Errorf("expected sentinel to report IsEOS")
		}
	})

	t.Run("too short", func(t *testing.T) {
		_, err := Parse(make([]byte, 10))
		if !errors.Is(err, ErrMalformedBuffer) {
			t.Fatalf("err = %v, want ErrMalformedBuffer", err)
		}
	})
}

func TestLess(t *testing.T) {
	cases := []struct {
		name string
		a, b DAQBuffer
		want bool
	}{
		{"timestamp breaks tie", DAQBuffer{Timestamp: 10, MBID: 2}, DAQBuffer{Timestamp: 20, MBID: 1}, true},
		{"mbid breaks timestamp tie", DAQBuffer{Timestamp: 10, MBID: 1}, DAQBuffer{Timestamp: 10, MBID: 2}, true},
		{"equal is not less", DAQBuffer{Timestamp: 10, MBID: 1}, DAQBuffer{Timestamp: 10, MBID: 1}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Less(c.a, c.b); got != c.want {
				t.Errorf("Less(%+v, %+v) = %v, want %v", c.a, c.b, got, c.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	t.Run("with gps", func(t *testing.T) {
		var gps [GPSBlockSize]byte
		copy(gps[:], "\x01042:10:20:30 ")
		rec := TCALRecord{
			MagicFmtID:  0x1234,
			MBID:        7,
			DomTxTicks:  99,
			Measurement: []byte{1, 2, 3, 4},
			GPSBlock:    &gps,
		}
		out := Format(rec)
		d, err := Parse(out)
		if err != nil {
			t.Fatalf("Parse(Format(rec)): %v", err)
		}
		if d.MBID != 7 {
			t.Errorf("mbid = %d, want 7", d.MBID)
		}
		if !bytes.HasSuffix(out, gps[:]) {
			t.Errorf("formatted record does not end with the supplied GPS block")
		}
	})

	t.Run("without gps uses epoch-zero placeholder", func(t *testing.T) {
		out := Format(TCALRecord{MBID: 1, DomTxTicks: 5})
		if !bytes.HasSuffix(out, gpsEpochZero[:]) {
			t.Errorf("expected epoch-zero GPS placeholder when GPSBlock is nil")
		}
	})
}
