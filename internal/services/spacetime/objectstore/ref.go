package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Ref identifies one stored object snapshot.
type Ref string

// SentinelRef marks a value that could not be captured.
const SentinelRef Ref = "unavailable"

// IsSentinel reports whether r marks a capture failure.
func (r Ref) IsSentinel() bool { return r == SentinelRef }

// IsZero reports whether r is empty, meaning no value was recorded.
func (r Ref) IsZero() bool { return r == "" }

func (r Ref) String() string { return string(r) }

// Unavailable is the rehydrated form of SentinelRef.
type Unavailable struct{}

func (Unavailable) String() string { return "<unavailable>" }

// Snapshot is the persisted form of one captured value.
type Snapshot struct {
	Ref       Ref
	TypeTag   string
	Data      []byte
	CreatedAt time.Time
}

// Stats summarizes the objects held by a backend.
type Stats struct {
	Objects int64
	Bytes   int64
}

// RefFor returns the content ref of data serialized under tag.
// The digest is SHA-256 over tag, a zero byte, and data, truncated to 128 bits.
func RefFor(tag string, data []byte) Ref {
	h := sha256.New()
	h.Write([]byte(tag))
	h.Write([]byte{0})
	h.Write(data)
	sum := h.Sum(nil)
	return Ref(hex.EncodeToString(sum[:16]))
}
