package startup

import (
	"context"
	"time"

	redisstorage "github.com/skillsync/internal/storage/redis"
)

// ConnectRedisWithRetry connects to Redis, retrying like ConnectDBWithRetry.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	return retry("redis connect", maxWait, logPrefix, func() (*redisstorage.Client, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return redisstorage.New(ctx, redisURL)
	})
}
