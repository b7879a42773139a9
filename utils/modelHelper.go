package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
)

/* DB fetching */

// fetch model from db by primary key
// (may return RecordNotFound)
func FetchSingleModel[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// fetch first model matching the given condition
// (may return RecordNotFound)
func FetchModelWhere[T any](ctx context.Context, query string, args ...interface{}) (*T, error) {

	db := config.GetDB()
	var result T
	err := db.WithContext(ctx).Where(query, args...).First(&result).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

