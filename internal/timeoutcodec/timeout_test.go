package timeoutcodec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseValid(t *testing.T) {
	cases := map[string]time.Duration{
		"1n":   time.Nanosecond,
		"100u": 100 * time.Microsecond,
		"100m": 100 * time.Millisecond,
		"30S":  30 * time.Second,
		"5M":   5 * time.Minute,
		"2H":   2 * time.Hour,
	}
	for in, want := range cases {
		got, ok := Parse(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseInvalid(t *testing.T) {
	invalid := []string{
		"0S", "-1S", "1.5S", "1 S", "1S ", "1X", "S", "", "1", "+1S", "1,000S",
	}
	for _, in := range invalid {
		_, ok := Parse(in)
		assert.False(t, ok, in)
	}
}

func TestParseOverflow(t *testing.T) {
	_, ok := Parse("999999999999H")
	assert.False(t, ok)
}

func TestFormatRoundTrip(t *testing.T) {
	for _, in := range []string{"1n", "100u", "250m", "30S", "5M", "2H"} {
		d, ok := Parse(in)
		assert.True(t, ok)
		out := Format(d)
		d2, ok2 := Parse(out)
		assert.True(t, ok2)
		assert.Equal(t, d, d2)
	}
}
