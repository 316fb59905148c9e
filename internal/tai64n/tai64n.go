package tai64n

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// TimestampSize is the wire size of a TAI64N timestamp.
	TimestampSize = 12

	// base is the TAI64 label for the start of the Unix epoch.
	base = uint64(0x400000000000000a)

	// whitenerMask truncates the nanosecond field so that timestamps do
	// not leak a fine-grained clock to the network.
	whitenerMask = uint32(0x1000000 - 1)
)

// Timestamp is an external TAI64N timestamp: 8 bytes of seconds followed
// by 4 bytes of nanoseconds, both big-endian. It is used as a monotonic
// replay guard across handshake initiations.
type Timestamp [TimestampSize]byte

func stamp(t time.Time) Timestamp {
	var ts Timestamp
	secs := base + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ whitenerMask
	binary.BigEndian.PutUint64(ts[:], secs)
	binary.BigEndian.PutUint32(ts[8:], nano)
	return ts
}

// Now returns a whitened timestamp for the current wall-clock time.
func Now() Timestamp {
	return stamp(time.Now())
}

// After reports whether t1 is strictly later than t2.
func (t1 Timestamp) After(t2 Timestamp) bool {
	return bytes.Compare(t1[:], t2[:]) > 0
}

// String returns a human-readable form for logging.
func (t Timestamp) String() string {
	secs := int64(binary.BigEndian.Uint64(t[:8]) - base)
	nano := int64(binary.BigEndian.Uint32(t[8:12]))
	return fmt.Sprint(time.Unix(secs, nano))
}
