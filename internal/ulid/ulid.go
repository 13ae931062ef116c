// Package ulid wraps github.com/oklog/ulid/v2 with prefixed identifiers
// for the records the sync engine creates.
//
// IDs have the form "prefix-ULID" (for example "op-01HV3K..."). The ULID part
// sorts by creation time, which keeps outbox rows and log lines in a stable
// order without an extra column.
package ulid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// PrefixOperation marks outbox operations
	PrefixOperation = "op"

	// PrefixPin marks pins created on this device
	PrefixPin = "pin"

	// PrefixForm marks forms created on this device
	PrefixForm = "form"

	// PrefixDevice marks device identities
	PrefixDevice = "dev"

	// PrefixRequest marks request IDs carried in log context
	PrefixRequest = "req"

	// PrefixCycle marks orchestrator sync cycles
	PrefixCycle = "cyc"

	// PrefixSetting marks rows in the settings table
	PrefixSetting = "set"

	// PrefixSeparator separates the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// ULID is an oklog ULID with an optional prefix.
type ULID struct {
	ulid.ULID
	prefix string
}

// GenerateWithPrefix creates a ULID for the current time carrying prefix.
func GenerateWithPrefix(prefix string) ULID {
	id := NewWithTime(time.Now())
	id.prefix = prefix
	return id
}

// NewWithTime creates a ULID for t. IDs generated within the same
// millisecond are still strictly increasing.
func NewWithTime(t time.Time) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{ULID: id}
}

// String renders "prefix-ULID", or the bare ULID when there is no prefix.
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// OperationID generates an outbox operation ID
func OperationID() string {
	return GenerateWithPrefix(PrefixOperation).String()
}

// PinID generates a pin ID
func PinID() string {
	return GenerateWithPrefix(PrefixPin).String()
}

// FormID generates a form ID
func FormID() string {
	return GenerateWithPrefix(PrefixForm).String()
}

// DeviceID generates a device ID
func DeviceID() string {
	return GenerateWithPrefix(PrefixDevice).String()
}

// RequestID generates a request ID
func RequestID() string {
	return GenerateWithPrefix(PrefixRequest).String()
}

// CycleID generates a sync cycle ID
func CycleID() string {
	return GenerateWithPrefix(PrefixCycle).String()
}

// SettingID generates a settings row ID
func SettingID() string {
	return GenerateWithPrefix(PrefixSetting).String()
}
