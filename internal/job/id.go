package job

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"
)

// encoding is Crockford's base32 alphabet so generated IDs sort
// lexicographically in the same order as their timestamp component, and
// read cleanly without ambiguous characters (no I, L, O, U).
var encoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// NewID returns a 26-character, time-sortable, unique job identifier: a
// 48-bit millisecond timestamp followed by 80 bits of randomness, matching
// the shape of well-known time-sortable ID schemes (ULID/KSUID) without
// pulling in a library — no repo in the example pack depends on one, so
// this is a deliberately small hand-rolled encoder rather than a dependency
// substitution (see DESIGN.md).
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt is NewID with an explicit timestamp, for deterministic tests.
func NewIDAt(t time.Time) string {
	var buf [16]byte
	ms := uint64(t.UnixMilli())
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)

	if _, err := rand.Read(buf[6:]); err != nil {
		panic(fmt.Sprintf("job: read random bytes: %v", err))
	}

	return strings.ToLower(encoding.EncodeToString(buf[:]))
}
