package cache

import "github.com/tokmz/relay/pkg/errors"

var (
	ErrNotFound      = errors.New(3001, "cache key not found", 404)
	ErrConnection    = errors.New(3002, "cache connection failed", 503)
	ErrCodec         = errors.New(3003, "cache value encoding failed", 500)
	ErrInvalidConfig = errors.New(3004, "cache invalid config", 500)
	ErrOperation     = errors.New(3005, "cache operation failed", 500)
)

// IsNotFound 键不存在或已过期
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
