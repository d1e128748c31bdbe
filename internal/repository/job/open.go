package job

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	domain "github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/platform/redis"
	"github.com/promptman/promptman/internal/platform/sqlite"
)

// Store is a job repository together with the connection backing it.
type Store struct {
	domain.Repository
	io.Closer
	Backend string
}

// Open picks the store implementation from the URL scheme: redis:// and
// rediss:// select redis, anything else is treated as a sqlite DSN.
func Open(ctx context.Context, rawURL string, ttl time.Duration) (*Store, error) {
	if strings.HasPrefix(rawURL, "redis://") || strings.HasPrefix(rawURL, "rediss://") {
		client, err := redis.Open(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		return &Store{Repository: NewRedisRepository(client, ttl), Closer: client, Backend: "redis"}, nil
	}

	db, err := sqlite.Open(rawURL)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return &Store{Repository: NewRepository(db.DB, ttl), Closer: db, Backend: "sqlite"}, nil
}
