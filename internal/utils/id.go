package utils

import (
	"crypto/rand"
	"strconv"
	"time"
)

const channelIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewChannelID returns a short random channel identifier. Collisions are
// possible but rare; the registry retries on collision.
func NewChannelID() string {
	const size = 8

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		// Fallback to timestamp if crypto/rand is unavailable.
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	for i, b := range buf {
		buf[i] = channelIDAlphabet[int(b)%len(channelIDAlphabet)]
	}
	return string(buf)
}
