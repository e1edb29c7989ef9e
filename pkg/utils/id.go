package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenEventID returns a globally unique event identifier.
func GenEventID() string {
	return uuid.NewString()
}

// NowRFC3339 returns the current time formatted per RFC 3339 with
// millisecond precision, the timestamp format used on the wire.
func NowRFC3339() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// SeqKey formats a sequence number as a zero-padded, lexicographically
// ordered key fragment.
func SeqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}
