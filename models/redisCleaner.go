package models

import (
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

type RedisCleaner interface {
	RemoveInstanceRedis() error // remove one
	RemoveAllRedis() error      // remove code-keyed entry if exists
}

// remove both item & code-keyed entry
func RemoveRedisBoth[T RedisCleaner](obj T) error {
	if err := obj.RemoveInstanceRedis(); err != nil {
		return err
	}
	if err := obj.RemoveAllRedis(); err != nil {
		return err
	}
	return nil
}

func (obj Company) RemoveInstanceRedis() error {
	if err := utils.RemoveRedisItem[Company](obj.ID); err != nil {
		return err
	}
	return nil
}

func (obj Company) RemoveAllRedis() error {
	return nil
}

func (obj Station) RemoveInstanceRedis() error {
	if err := utils.RemoveRedisItem[Station](obj.ID); err != nil {
		return err
	}
	return nil
}

func (obj Station) RemoveAllRedis() error {
	if err := utils.RemoveRedisItemByCode[Station](obj.Code); err != nil {
		return err
	}
	if err := utils.RemoveRedisList[AllStation](); err != nil {
		return err
	}
	return utils.RemoveRedisMap[AllStation]()
}

func (obj Farmer) RemoveInstanceRedis() error {
	if err := utils.RemoveRedisItem[Farmer](obj.ID); err != nil {
		return err
	}
	return nil
}

func (obj Farmer) RemoveAllRedis() error {
	if err := utils.RemoveRedisItemByCode[Farmer](obj.Code); err != nil {
		return err
	}
	if err := utils.RemoveRedisList[AllFarmer](); err != nil {
		return err
	}
	return utils.RemoveRedisMap[AllFarmer]()
}

