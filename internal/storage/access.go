package storage

import (
	"context"
	"errors"
)

var errClosed = errors.New("storage is not open")

// Ping reports whether the store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errClosed
	}
	return r.db.PingContext(ctx)
}
