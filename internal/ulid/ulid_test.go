package ulid

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWithPrefix(t *testing.T) {
	prefixes := []string{PrefixOperation, PrefixPin, PrefixForm, PrefixDevice, "custom"}

	for _, prefix := range prefixes {
		id := GenerateWithPrefix(prefix)
		assert.True(t, strings.HasPrefix(id.String(), prefix+PrefixSeparator))
		assert.WithinDuration(t, time.Now(), ulid.Time(id.ULID.Time()), time.Second)
	}
}

func TestNewWithTime_NoPrefix(t *testing.T) {
	id := NewWithTime(time.Now())
	assert.Equal(t, id.ULID.String(), id.String())
}

func TestMonotonicWithinMillisecond(t *testing.T) {
	now := time.Now()
	prev := NewWithTime(now)
	for i := 0; i < 100; i++ {
		next := NewWithTime(now)
		assert.Less(t, prev.ULID.String(), next.ULID.String())
		prev = next
	}
}

func TestIDHelpers(t *testing.T) {
	cases := map[string]func() string{
		PrefixOperation: OperationID,
		PrefixPin:       PinID,
		PrefixForm:      FormID,
		PrefixDevice:    DeviceID,
		PrefixRequest:   RequestID,
		PrefixCycle:     CycleID,
		PrefixSetting:   SettingID,
	}

	for prefix, gen := range cases {
		id := gen()
		raw, ok := strings.CutPrefix(id, prefix+PrefixSeparator)
		require.True(t, ok, id)
		_, err := ulid.Parse(raw)
		assert.NoError(t, err, id)
	}
}
