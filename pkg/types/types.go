package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Timestamp is a 128-bit unsigned mutation time. The engine fills only the
// low half with milliseconds since epoch; callers may use any monotonic clock.
type Timestamp struct {
	Hi uint64
	Lo uint64
}

// TimestampSize is the encoded width of a Timestamp in bytes.
const TimestampSize = 16

// TS builds a Timestamp from a 64-bit value.
func TS(v uint64) Timestamp {
	return Timestamp{Lo: v}
}

func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Hi < o.Hi:
		return -1
	case t.Hi > o.Hi:
		return 1
	case t.Lo < o.Lo:
		return -1
	case t.Lo > o.Lo:
		return 1
	}
	return 0
}

func (t Timestamp) Less(o Timestamp) bool {
	return t.Compare(o) < 0
}
