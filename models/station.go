package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

// Station is a milk collection point. Officers record deliveries against the
// station they staff.
type Station struct {
	ID        int       `gorm:"primary_key" json:"id"`
	CompanyId int       `gorm:"index;not null" json:"company_id"`
	Code      string    `gorm:"size:32;not null;uniqueIndex" json:"code" binding:"required"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Phone     string    `gorm:"size:20" json:"phone"`
	Region    string    `gorm:"size:100" json:"region"`
	Address   string    `gorm:"type:text" json:"address"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStation struct {
	CompanyId int    `json:"company_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Phone     string `json:"phone"`
	Region    string `json:"region"`
	Address   string `json:"address"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewStation) validate(ctx context.Context, id int) error {
	// code
	input.Code = strings.ToUpper(strings.TrimSpace(input.Code))
	if !utils.IsValidCode(input.Code) {
		return errors.New("invalid station code")
	}
	if err := utils.ValidateUnique[Station](ctx, "code", input.Code, id); err != nil {
		return err
	}
	// check if company exists
	if err := utils.ValidateResourceId[Company](ctx, input.CompanyId); err != nil {
		return errors.New("company not found")
	}
	return nil
}

func CreateStation(ctx context.Context, input *NewStation) (*Station, error) {

	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	station := Station{
		CompanyId: input.CompanyId,
		Code:      input.Code,
		Name:      input.Name,
		Phone:     input.Phone,
		Region:    input.Region,
		Address:   input.Address,
		IsActive:  utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&station).Error
	if err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, utils.ErrorConflict
		}
		return nil, err
	}
	return &station, nil
}

func UpdateStation(ctx context.Context, id int, input *NewStation) (*Station, error) {

	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	station, err := utils.FetchSingleModel[Station](ctx, id)
	if err != nil {
		return nil, err
	}
	oldCode := station.Code

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&station).Updates(map[string]interface{}{
		"CompanyId": input.CompanyId,
		"Code":      input.Code,
		"Name":      input.Name,
		"Phone":     input.Phone,
		"Region":    input.Region,
		"Address":   input.Address,
	}).Error
	if err != nil {
		return nil, err
	}

	// clear cache, including the entry under the previous code
	if err := RemoveRedisBoth(*station); err != nil {
		return nil, err
	}
	if oldCode != input.Code {
		if err := utils.RemoveRedisItemByCode[Station](oldCode); err != nil {
			return nil, err
		}
	}
	return station, nil
}

func GetStation(ctx context.Context, id int) (*Station, error) {
	return GetResource[Station](ctx, id)
}

// may return RecordNotFound error
func GetStationByCode(ctx context.Context, code string) (*Station, error) {
	return GetResourceByCode[Station](ctx, strings.ToUpper(strings.TrimSpace(code)))
}

func ListStations(ctx context.Context, name *string) ([]*Station, error) {
	db := config.GetDB()
	var results []*Station

	dbCtx := db.WithContext(ctx)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%").Limit(config.SearchLimit)
	}
	// db query
	if err := dbCtx.Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func ToggleActiveStation(ctx context.Context, id int, isActive bool) (*Station, error) {
	return ToggleActiveModel[Station](ctx, id, isActive)
}
