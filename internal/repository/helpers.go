package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. This is a common pattern for Find* operations
// where a missing row is not an error condition.
//
// Usage:
//
//	var item model.Item
//	err := r.db.GetContext(ctx, &item, query, args...)
//	return HandleNotFound(&item, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// poolCount is a scan target for per-pool aggregate queries.
type poolCount struct {
	PoolID string `db:"pool_id"`
	Count  int    `db:"count"`
}

func poolCountMap(rows []poolCount) map[string]int {
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.PoolID] = row.Count
	}
	return counts
}
