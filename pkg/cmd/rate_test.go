package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"", 0},
		{"1500", 1500},
		{"100k", 102400},
		{"100K", 102400},
		{"1.5m", 1572864},
		{"2g", 2 << 30},
		{"64kb", 65536},
		{"10mb/s", 10 << 20},
		{" 7 ", 7},
	}
	for _, tt := range tests {
		got, err := parseRate(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, in := range []string{"fast", "k", "-1k", "1t"} {
		_, err := parseRate(in)
		assert.Error(t, err, in)
	}
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "512B", formatRate(512))
	assert.Equal(t, "100.0KiB", formatRate(102400))
	assert.Equal(t, "1.5MiB", formatRate(1572864))
	assert.Equal(t, "2.0GiB", formatRate(2<<30))
}
