package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:status:%s", jobID)
}

func RateLimitKey(clientID string) string {
	return fmt.Sprintf("ratelimit:%s", clientID)
}
