package wg

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Timestamp is a TAI64N label: an 8-byte big-endian second count offset
// into the TAI epoch, followed by 4 big-endian nanosecond bytes. The
// encoding compares bytewise in time order, which is all the handshake
// replay defence needs.
type Timestamp [12]byte

const tai64Base = 0x400000000000000a

// Stamp converts a wall-clock instant to a TAI64N label.
func Stamp(t time.Time) Timestamp {
	var ts Timestamp
	binary.BigEndian.PutUint64(ts[0:], tai64Base+uint64(t.Unix()))
	binary.BigEndian.PutUint32(ts[8:], uint32(t.Nanosecond()))
	return ts
}

// After reports whether ts is strictly later than other.
func (ts Timestamp) After(other Timestamp) bool {
	return bytes.Compare(ts[:], other[:]) > 0
}
