package models

import (
	"context"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

// first find in redis, then in db, cache result
// (may return RecordNotFound error)
func GetResource[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	// find in redis
	result, err := utils.RetrieveRedis[T](id)
	if err != nil {
		return nil, err
	}
	// if not found in redis
	if result == nil {
		// fetch from db
		result, err = utils.FetchSingleModel[T](ctx, id, associations...)
		if err != nil {
			return nil, err
		}

		// store in redis
		if err := utils.StoreRedis[T](result, id); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// GetResourceByCode is the code-keyed variant used on the ingestion hot path,
// where clients identify farmers and stations by human-assigned codes.
// (may return RecordNotFound error)
func GetResourceByCode[T any](ctx context.Context, code string) (*T, error) {

	result, err := utils.RetrieveRedisByCode[T](code)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result, err = utils.FetchModelWhere[T](ctx, "code = ?", code)
		if err != nil {
			return nil, err
		}

		if err := utils.StoreRedisByCode[T](result, code); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func ToggleActiveModel[T RedisCleaner](ctx context.Context, id int, isActive bool) (*T, error) {

	var result *T
	var err error
	db := config.GetDB()

	// fetch model before updating
	err = db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		return nil, err
	}

	// update db
	tx := db.Begin()
	Tx := tx.WithContext(ctx).Model(&result).
		UpdateColumn("IsActive", isActive)
	if Tx.Error != nil {
		tx.Rollback()
		return nil, Tx.Error
	}

	referenceType := Tx.Statement.Table
	var actionType string
	if isActive {
		actionType = "*ACTIVE*"
	} else {
		actionType = "*INACTIVE*"
	}

	// create audit row without hook
	if err := createAuditLog(tx.WithContext(ctx), actionType, id, referenceType, nil, nil, "toggled "+utils.GetTypeName[T]()); err != nil {
		tx.Rollback()
		return nil, err
	}

	// clear cache
	if err := RemoveRedisBoth(*result); err != nil {
		tx.Rollback()
		return nil, err
	}

	return result, tx.Commit().Error
}
