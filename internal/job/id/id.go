// Package id provides unique identifier generation for jobs.
package id

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generate creates a new unique job ID.
// Format: job-<timestamp>-<random>
// Example: job-1701432000-a1b2c3
func Generate() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("job-%d-%s", time.Now().Unix(), random)
}
