package utils

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "a multi line", Truncate("a multi\n  line", 20))
	assert.Equal(t, "conflict…", Truncate("conflict: version mismatch", 9))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", FormatTime(nil))
	assert.Equal(t, "-", FormatTime(&time.Time{}))

	ts := time.Date(2026, 5, 4, 8, 30, 0, 0, time.Local)
	assert.Equal(t, "2026-05-04 08:30:00", FormatTime(&ts))
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "-"},
		{1500 * time.Millisecond, "2s"},
		{90 * time.Second, "2m0s"},
		{3*time.Hour + 20*time.Minute, "3h0m0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAge(tt.in), tt.in.String())
	}
}

func TestColorize(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	assert.Equal(t, "synced", Colorize("synced"))
	assert.Equal(t, "unknown", Colorize("unknown"))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	PrintTable([]string{"ID", "Status"}, [][]string{{"pin_1", "synced"}}, TableOptions{Title: "Pins", Output: &buf})

	out := buf.String()
	assert.Contains(t, out, "Pins")
	assert.Contains(t, out, "pin_1")
	assert.Contains(t, out, "synced")
}
