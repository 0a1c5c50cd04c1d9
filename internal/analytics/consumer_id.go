package analytics

import (
	"fmt"
	"os"
	"time"
)

// NewConsumerID creates a consumer name for the visit stream group. It is
// unique per process start so a restarted instance does not inherit the
// pending entries of its previous run until they are claimed.
func NewConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tally"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
