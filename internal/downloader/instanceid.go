package downloader

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// GenerateInstanceID returns an id for this process, stored in locked_by on
// claimed records so an operator can tell which run owned a transfer.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "edge"
	}

	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(rnd))
}
