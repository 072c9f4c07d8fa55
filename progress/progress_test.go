package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedState string

func (s fixedState) String() string { return string(s) }

func TestProgressPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)

	p.Add(fixedState("loading weights"))
	p.Add(fixedState("sampling done"))

	assert.False(t, p.Stop(), "a buffer is not a terminal")
	assert.Equal(t, "loading weights\nsampling done\n", buf.String())
	assert.NotContains(t, buf.String(), "\033[")
}

func TestProgressStopAndClearPlain(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add(fixedState("x"))

	assert.False(t, p.StopAndClear())
	assert.Empty(t, buf.String())
}

func TestProgressStopsSpinners(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)

	s := NewSpinner("decoding")
	p.Add(s)
	p.Stop()

	assert.Equal(t, "decoding ", s.String())
}

func TestStepBar(t *testing.T) {
	s := NewStepBar("Sampling", 10)
	assert.True(t, strings.HasPrefix(s.String(), "Sampling   0% ▕"))
	assert.True(t, strings.HasSuffix(s.String(), "▏ 0/10"))

	s.Set(4)
	out := s.String()
	assert.Contains(t, out, " 40% ")
	assert.Contains(t, out, "████      ▏ 4/10")
	assert.Contains(t, out, "s/it")

	s.Set(99)
	assert.Contains(t, s.String(), "100% ")
}

func TestBar(t *testing.T) {
	b := NewBar("Writing", "frames", 81)
	b.started = time.Now().Add(-10 * time.Second)

	b.Set(27)
	out := b.String()
	assert.True(t, strings.HasPrefix(out, "Writing  33% ▕"))
	assert.Contains(t, out, " 27/81 frames [10s:20s]")
	assert.Equal(t, defaultTermWidth, len([]rune(out)))

	b.Set(100)
	out = b.String()
	assert.Contains(t, out, "100%")
	assert.NotContains(t, out, "[")
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		1500 * time.Millisecond:   "2s",
		90 * time.Second:          "1m30s",
		2*time.Hour + time.Minute: "2h1m",
		200 * time.Hour:           "99h+",
	}
	for in, want := range cases {
		assert.Equal(t, want, formatDuration(in))
	}
}

func TestMeter(t *testing.T) {
	assert.Equal(t, "▕██  ▏", meter(6, 50))
	assert.Empty(t, meter(2, 50))
	require.Equal(t, "▕████▏", meter(6, 120))
}
