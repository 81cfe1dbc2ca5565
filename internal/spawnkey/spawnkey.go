package spawnkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// New derives the spawn key for the worker endpoint: an HMAC-SHA256 of
// the current thousand-second bucket, so a key stays valid for the
// short window between spawning a worker and the worker answering.
func New(secret string, now time.Time) string {
	bucket := strconv.FormatInt(now.Unix()/1000, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(bucket))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the key and compares constant-time. The previous
// bucket is accepted too, covering spawns that straddle a boundary.
func Verify(secret, key string, now time.Time) bool {
	current := []byte(New(secret, now))
	previous := []byte(New(secret, now.Add(-1000*time.Second)))
	given := []byte(key)
	return hmac.Equal(given, current) || hmac.Equal(given, previous)
}
