package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

type Identifier interface {
	GetId() int
}

// embedding struct will receive ID field, satisfy Identifier interface
type HasId struct {
	ID int `json:"id"`
}

func (h HasId) GetId() int {
	return h.ID
}

// ListAllResource fetches a lightweight projection list, redis first.
// Used by sync clients to preload pickers.
func ListAllResource[ModelT any, AllModelT any](ctx context.Context, orders ...string) ([]*AllModelT, error) {

	// first try redis cache
	results, err := utils.RetrieveRedisList[AllModelT]()
	if err != nil {
		return nil, err
	}
	// if not exists in redis
	if results == nil {
		// fetch from db
		db := config.GetDB()
		var model ModelT
		dbCtx := db.WithContext(ctx).Model(&model)
		for _, order := range orders {
			dbCtx.Order(order)
		}
		if err = dbCtx.Find(&results).Error; err != nil {
			return nil, err
		}

		// caching the result
		if err := utils.StoreRedisList[AllModelT](results); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// MapAllModel builds an id-keyed projection map, redis first.
func MapAllModel[ModelT any, AllT Identifier](ctx context.Context) (map[int]*AllT, error) {

	key := utils.GetTypeName[AllT]() + "Map"

	var allMap map[int]*AllT

	// retrieve from redis
	if exists, err := config.GetRedisObject(key, &allMap); err != nil {
		return nil, err
	} else if !exists {
		// if the map has not been cached yet
		// fetch resources and construct the map, cache the result

		allMap = make(map[int]*AllT)
		var allSlice []*AllT
		db := config.GetDB()
		var m ModelT
		if err := db.WithContext(ctx).Model(&m).Find(&allSlice).Error; err != nil {
			return nil, err
		}

		// fill the map
		for _, allModel := range allSlice {
			allMap[(*allModel).GetId()] = allModel
		}

		var duration time.Duration
		if err := config.SetRedisObject(key, &allMap, duration); err != nil {
			return nil, err
		}
	}

	return allMap, nil
}

type AllStation struct {
	HasId
	Code     string `json:"code"`
	Name     string `json:"name"`
	Region   string `json:"region"`
	IsActive bool   `json:"is_active"`
}

type AllFarmer struct {
	HasId
	Code      string `json:"code"`
	Name      string `json:"name"`
	StationId int    `json:"station_id"`
	Language  string `json:"language"`
	IsActive  bool   `json:"is_active"`
}

func ListAllStation(ctx context.Context) ([]*AllStation, error) {
	return ListAllResource[Station, AllStation](ctx, "code")
}

func MapAllStation(ctx context.Context) (map[int]*AllStation, error) {
	return MapAllModel[Station, AllStation](ctx)
}

func ListAllFarmer(ctx context.Context) ([]*AllFarmer, error) {
	return ListAllResource[Farmer, AllFarmer](ctx, "code")
}

func MapAllFarmer(ctx context.Context) (map[int]*AllFarmer, error) {
	return MapAllModel[Farmer, AllFarmer](ctx)
}
