package txbus

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
)

// randomWorkerID names a relay after its host and process, plus a random
// suffix so restarts on the same pid never reuse a lease owner.
func randomWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	host, _, _ = strings.Cut(host, ".")
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "relay-" + host + "-" + strconv.Itoa(os.Getpid())
	}
	return "relay-" + host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(buf[:])
}
