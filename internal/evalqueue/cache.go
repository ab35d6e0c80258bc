package evalqueue

import (
	"context"
	"errors"

	"github.com/g960059/lobbywatch/internal/db"
)

// StoreCache persists classification results in the sqlite store.
type StoreCache struct {
	store *db.Store
}

func NewStoreCache(store *db.Store) *StoreCache {
	return &StoreCache{store: store}
}

func (c *StoreCache) Get(ctx context.Context, fingerprint string) (string, bool, error) {
	res, err := c.store.GetEvalResult(ctx, fingerprint)
	if errors.Is(err, db.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return res.Result, true, nil
}

func (c *StoreCache) Put(ctx context.Context, e Entry) error {
	return c.store.PutEvalResult(ctx, db.EvalResult{
		Fingerprint: e.Fingerprint,
		Kind:        db.EvalKind(e.Kind),
		Result:      e.Result,
		Flagged:     e.Flagged,
	})
}
