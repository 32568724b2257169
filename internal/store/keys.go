package store

import (
	"fmt"

	"github.com/google/uuid"
)

// JobKey is the Redis key holding the JSON job record.
func JobKey(jobID uuid.UUID) string {
	return fmt.Sprintf("jobgate:job:%s", jobID)
}
