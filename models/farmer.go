package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

// Farmer is the payee. Deliveries reference the farmer and monthly payouts go
// to the farmer's payment phone.
type Farmer struct {
	ID         int       `gorm:"primary_key" json:"id"`
	StationId  int       `gorm:"index;not null" json:"station_id"`
	Code       string    `gorm:"size:32;not null;uniqueIndex" json:"code" binding:"required"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Phone      string    `gorm:"size:20" json:"phone"`
	MpesaPhone string    `gorm:"size:20" json:"mpesa_phone"`
	NationalId string    `gorm:"size:32" json:"national_id"`
	Language   string    `gorm:"size:2;not null;default:en" json:"language"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaymentPhone prefers the registered mpesa number and falls back to the
// primary phone. Empty means the farmer cannot be paid out.
func (f Farmer) PaymentPhone() string {
	if f.MpesaPhone != "" {
		return f.MpesaPhone
	}
	return f.Phone
}

type NewFarmer struct {
	StationId  int    `json:"station_id" binding:"required"`
	Code       string `json:"code" binding:"required"`
	Name       string `json:"name" binding:"required"`
	Phone      string `json:"phone"`
	MpesaPhone string `json:"mpesa_phone"`
	NationalId string `json:"national_id"`
	Language   string `json:"language"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewFarmer) validate(ctx context.Context, id int) error {
	// code
	input.Code = strings.ToUpper(strings.TrimSpace(input.Code))
	if !utils.IsValidCode(input.Code) {
		return errors.New("invalid farmer code")
	}
	if err := utils.ValidateUnique[Farmer](ctx, "code", input.Code, id); err != nil {
		return err
	}
	// check if station exists
	if err := utils.ValidateResourceId[Station](ctx, input.StationId); err != nil {
		return errors.New("station not found")
	}
	// phones are stored normalized so the payment provider gets E.164
	if len(strings.TrimSpace(input.Phone)) > 0 {
		normalized, err := utils.NormalizePhoneE164(input.Phone, utils.CountryCode)
		if err != nil {
			return errors.New("invalid phone number")
		}
		input.Phone = normalized
	}
	if len(strings.TrimSpace(input.MpesaPhone)) > 0 {
		normalized, err := utils.NormalizePhoneE164(input.MpesaPhone, utils.CountryCode)
		if err != nil {
			return errors.New("invalid mpesa phone number")
		}
		input.MpesaPhone = normalized
	}
	// language
	switch input.Language {
	case "", "en", "sw":
	default:
		return errors.New("invalid language")
	}
	return nil
}

func CreateFarmer(ctx context.Context, input *NewFarmer) (*Farmer, error) {

	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	farmer := Farmer{
		StationId:  input.StationId,
		Code:       input.Code,
		Name:       input.Name,
		Phone:      input.Phone,
		MpesaPhone: input.MpesaPhone,
		NationalId: input.NationalId,
		Language:   input.Language,
		IsActive:   utils.NewTrue(),
	}
	if farmer.Language == "" {
		farmer.Language = "en"
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&farmer).Error
	if err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, utils.ErrorConflict
		}
		return nil, err
	}
	return &farmer, nil
}

func UpdateFarmer(ctx context.Context, id int, input *NewFarmer) (*Farmer, error) {

	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	farmer, err := utils.FetchSingleModel[Farmer](ctx, id)
	if err != nil {
		return nil, err
	}
	oldCode := farmer.Code

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&farmer).Updates(map[string]interface{}{
		"StationId":  input.StationId,
		"Code":       input.Code,
		"Name":       input.Name,
		"Phone":      input.Phone,
		"MpesaPhone": input.MpesaPhone,
		"NationalId": input.NationalId,
		"Language":   input.Language,
	}).Error
	if err != nil {
		return nil, err
	}

	// clear cache, including the entry under the previous code
	if err := RemoveRedisBoth(*farmer); err != nil {
		return nil, err
	}
	if oldCode != input.Code {
		if err := utils.RemoveRedisItemByCode[Farmer](oldCode); err != nil {
			return nil, err
		}
	}
	return farmer, nil
}

func GetFarmer(ctx context.Context, id int) (*Farmer, error) {
	return GetResource[Farmer](ctx, id)
}

// may return RecordNotFound error
func GetFarmerByCode(ctx context.Context, code string) (*Farmer, error) {
	return GetResourceByCode[Farmer](ctx, strings.ToUpper(strings.TrimSpace(code)))
}

func ListFarmers(ctx context.Context, stationId *int, name *string) ([]*Farmer, error) {
	db := config.GetDB()
	var results []*Farmer

	dbCtx := db.WithContext(ctx)
	if stationId != nil && *stationId > 0 {
		dbCtx = dbCtx.Where("station_id = ?", stationId)
	}
	if name != nil && len(*name) > 0 {
		// name lookups are type-ahead searches, so cap the result set
		dbCtx = dbCtx.Where("name LIKE ? OR code LIKE ?", "%"+*name+"%", "%"+*name+"%").
			Limit(config.SearchLimit)
	}
	// db query
	if err := dbCtx.Order("code").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func ToggleActiveFarmer(ctx context.Context, id int, isActive bool) (*Farmer, error) {
	return ToggleActiveModel[Farmer](ctx, id, isActive)
}
