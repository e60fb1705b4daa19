// Package hostid derives worker identifiers for queue ownership stamps.
package hostid

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// New returns "<hostname>-<8 hex chars>". The hostname part makes block and
// dead-letter rows attributable to a machine, the random suffix keeps
// multiple workers on one host apart.
func New() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
