package rate

import (
	"errors"
	"fmt"
)

// ErrRedisUnavailable wraps every Redis failure of this package. Callers
// decide whether to fail open or closed.
var ErrRedisUnavailable = errors.New("rate: redis unavailable")

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
}
