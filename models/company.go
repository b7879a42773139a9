package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

// Company is the processing company (or cooperative) the stations collect
// for. Single row in practice, but kept as a table so currency and timezone
// live in data rather than in env.
type Company struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Phone     string    `gorm:"size:20" json:"phone"`
	Email     *string   `gorm:"size:100" json:"email"`
	Address   string    `gorm:"type:text" json:"address"`
	Currency  string    `gorm:"size:3;not null;default:KES" json:"currency"`
	Timezone  string    `gorm:"size:100;not null;default:Africa/Nairobi" json:"timezone"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCompany struct {
	Name     string `json:"name" binding:"required"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Address  string `json:"address"`
	Currency string `json:"currency"`
	Timezone string `json:"timezone"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewCompany) validate(ctx context.Context, id int) error {
	// name
	if err := utils.ValidateUnique[Company](ctx, "name", input.Name, id); err != nil {
		return err
	}
	// email
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("invalid email address")
	}
	if input.Timezone != "" {
		if _, err := time.LoadLocation(input.Timezone); err != nil {
			return errors.New("invalid timezone")
		}
	}
	return nil
}

func CreateCompany(ctx context.Context, input *NewCompany) (*Company, error) {

	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	company := Company{
		Name:     input.Name,
		Phone:    input.Phone,
		Email:    utils.NilIfEmpty(input.Email),
		Address:  input.Address,
		Currency: input.Currency,
		Timezone: input.Timezone,
		IsActive: utils.NewTrue(),
	}
	if company.Currency == "" {
		company.Currency = "KES"
	}
	if company.Timezone == "" {
		company.Timezone = "Africa/Nairobi"
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&company).Error
	if err != nil {
		return nil, err
	}
	return &company, nil
}

func UpdateCompany(ctx context.Context, id int, input *NewCompany) (*Company, error) {

	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	company, err := utils.FetchSingleModel[Company](ctx, id)
	if err != nil {
		return nil, err
	}

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&company).Updates(map[string]interface{}{
		"Name":     input.Name,
		"Phone":    input.Phone,
		"Email":    utils.NilIfEmpty(input.Email),
		"Address":  input.Address,
		"Currency": input.Currency,
		"Timezone": input.Timezone,
	}).Error
	if err != nil {
		return nil, err
	}

	// clear cache
	if err := RemoveRedisBoth(*company); err != nil {
		return nil, err
	}
	return company, nil
}

// GetDefaultCompany returns the first active company. Aggregation uses its
// currency when the caller does not override it.
func GetDefaultCompany(ctx context.Context) (*Company, error) {
	db := config.GetDB()
	var result Company
	err := db.WithContext(ctx).Where("is_active = true").Order("id").First(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}
