package models

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Officer is a staff account: station clerks recording deliveries and admins
// running disbursements.
type Officer struct {
	ID        int         `gorm:"primary_key" json:"id"`
	StationId int         `gorm:"index" json:"station_id"`
	Username  string      `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name      string      `gorm:"size:100;not null" json:"name" binding:"required"`
	Email     *string     `gorm:"size:100;unique" json:"email"`
	Phone     string      `gorm:"size:20" json:"phone"`
	Password  string      `gorm:"size:255;not null" json:"password"`
	Role      OfficerRole `gorm:"type:enum('admin','officer');default:officer" json:"role"`
	IsActive  *bool       `gorm:"not null" json:"is_active"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOfficer struct {
	StationId int         `json:"station_id"`
	Username  string      `json:"username" binding:"required"`
	Name      string      `json:"name" binding:"required"`
	Email     string      `json:"email"`
	Phone     string      `json:"phone"`
	Password  string      `json:"password" binding:"required"`
	Role      OfficerRole `json:"role" binding:"required"`
	IsActive  *bool       `json:"is_active" binding:"required"`
}

/*
caches:

	Officer:$username
	Token:$token => "$officerId:$role"
	Tokens:$username => set of live tokens
*/

func (result *Officer) PrepareGive() {
	result.Password = ""
}

func (obj Officer) RemoveInstanceRedis() error {
	if err := config.RemoveRedisKey("Officer:" + obj.Username); err != nil {
		return err
	}
	return nil
}

func (obj Officer) RemoveAllRedis() error {
	return nil
}

type LoginInfo struct {
	Token       string `json:"token"`
	OfficerId   int    `json:"officer_id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	StationId   int    `json:"station_id"`
	StationName string `json:"station_name"`
	Currency    string `json:"currency"`
	Timezone    string `json:"timezone"`
}

func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {

	db := config.GetDB()
	var err error
	var result LoginInfo

	officer := Officer{}

	// get Officer info
	exists, err := config.GetRedisObject("Officer:"+username, &officer)
	if err != nil {
		return &result, err
	}
	if !exists {
		err = db.WithContext(ctx).Model(&Officer{}).Where("username = ?", username).Take(&officer).Error

		if err != nil {
			return &result, errors.New("invalid username or password")
		}
	}

	// check login credentials
	err = utils.ComparePassword(officer.Password, password)

	if err != nil && err == bcrypt.ErrMismatchedHashAndPassword {
		return &result, errors.New("invalid username or password")
	}

	isActive := *officer.IsActive
	if !isActive {
		return &result, errors.New("officer is disabled")
	}

	// generate token & response
	token := uuid.New()
	result.Token = token.String()
	result.OfficerId = officer.ID
	result.Name = officer.Name
	result.Role = string(officer.Role)

	if officer.StationId > 0 {
		var station Station
		if err := db.WithContext(ctx).Model(&Station{}).Where("id = ?", officer.StationId).First(&station).Error; err != nil {
			return nil, err
		}
		result.StationId = station.ID
		result.StationName = station.Name
	}
	company, err := GetDefaultCompany(ctx)
	if err == nil {
		result.Currency = company.Currency
		result.Timezone = company.Timezone
	}

	// store token in redis
	tokenLifespan, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil {
		tokenLifespan = 24
	}

	// add new token to the officer's tokens set
	if err := config.AddRedisSet("Tokens:"+officer.Username, token.String()); err != nil {
		return nil, err
	}
	sessionValue := fmt.Sprintf("%d:%s", officer.ID, officer.Role)
	if err := config.SetRedisValue("Token:"+token.String(), sessionValue, time.Duration(tokenLifespan)*time.Hour); err != nil {
		return &result, err
	}

	return &result, nil
}

// destroy current session
func Logout(ctx context.Context) (bool, error) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return false, errors.New("token is required")
	}
	err := config.RemoveRedisKey("Token:" + fmt.Sprint(token))
	if err != nil {
		return false, nil
	}
	// remove current token from tokens list
	officerId, ok := utils.GetOfficerIdFromContext(ctx)
	if !ok || officerId == 0 {
		return false, errors.New("officer not found")
	}
	officer, err := GetOfficer(ctx, officerId)
	if err != nil {
		return false, err
	}
	if err := config.RemoveRedisSetMember("Tokens:"+officer.Username, token); err != nil {
		return false, err
	}
	return true, nil
}

func CreateOfficer(ctx context.Context, input *NewOfficer) (*Officer, error) {

	db := config.GetDB()
	var count int64

	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email address")
	}
	// contact number only, kept as entered
	if strings.TrimSpace(input.Phone) != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return nil, errors.New("invalid phone number")
		}
	}
	role, err := ParseOfficerRole(string(input.Role))
	if err != nil {
		return nil, err
	}
	input.Role = role
	if input.StationId > 0 {
		if err := utils.ValidateResourceId[Station](ctx, input.StationId); err != nil {
			return nil, errors.New("station not found")
		}
	}

	err = db.WithContext(ctx).Model(&Officer{}).Where("username = ?", input.Username).Or("email = ?", input.Email).Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("duplicate username or email")
	}

	hashedPassword, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	input.Email = strings.ToLower(input.Email)

	officer := Officer{
		StationId: input.StationId,
		Username:  html.EscapeString(strings.TrimSpace(input.Username)),
		Name:      input.Name,
		Email:     utils.NilIfEmpty(input.Email),
		Phone:     input.Phone,
		Password:  string(hashedPassword),
		Role:      input.Role,
		IsActive:  input.IsActive,
	}

	err = db.WithContext(ctx).Create(&officer).Error
	if err != nil {
		return nil, err
	}
	officer.Password = ""
	return &officer, nil
}

func GetOfficer(ctx context.Context, id int) (*Officer, error) {

	db := config.GetDB()
	var result Officer

	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	result.PrepareGive()
	return &result, nil
}

func ListOfficers(ctx context.Context) ([]*Officer, error) {

	db := config.GetDB()
	var results []*Officer

	if err := db.WithContext(ctx).Order("username").Find(&results).Error; err != nil {
		return nil, err
	}

	for i, o := range results {
		o.Password = ""
		results[i] = o
	}
	return results, nil
}

type UpdateOfficerInput struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	IsActive *bool  `json:"is_active" binding:"required"`
}

// UpdateOfficer edits contact fields and the active flag. The username is
// immutable: live sessions are tracked under it.
func UpdateOfficer(ctx context.Context, id int, input *UpdateOfficerInput) (*Officer, error) {

	db := config.GetDB()

	var officer Officer
	if err := db.WithContext(ctx).First(&officer, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email address")
	}
	if strings.TrimSpace(input.Phone) != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return nil, errors.New("invalid phone number")
		}
	}
	input.Email = strings.ToLower(input.Email)
	if input.Email != "" {
		var count int64
		if err := db.WithContext(ctx).Model(&Officer{}).
			Where("email = ?", input.Email).
			Not("id = ?", id).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, errors.New("duplicate email")
		}
	}

	err := db.WithContext(ctx).Model(&officer).Updates(map[string]interface{}{
		"Name":     input.Name,
		"Email":    utils.NilIfEmpty(input.Email),
		"Phone":    input.Phone,
		"IsActive": *input.IsActive,
	}).Error
	if err != nil {
		return nil, err
	}

	if err := RemoveRedisBoth(officer); err != nil {
		return nil, err
	}
	// a deactivated account loses its live sessions immediately
	if !*input.IsActive {
		if err := officer.DestroyAllSessions(ctx); err != nil {
			return nil, err
		}
	}
	officer.Password = ""
	return &officer, nil
}

func (officer *Officer) DestroyAllSessions(ctx context.Context) error {
	allTokens, err := config.GetRedisSetMembers("Tokens:" + officer.Username)
	if err != nil {
		return err
	}
	for _, token := range allTokens {
		if err := config.RemoveRedisKey("Token:" + token); err != nil {
			return err
		}
	}
	if err := config.RemoveRedisKey("Tokens:" + officer.Username); err != nil {
		return err
	}

	return nil
}

func ChangePassword(ctx context.Context, oldPassword string, newPassword string) (*Officer, error) {
	officerId, ok := utils.GetOfficerIdFromContext(ctx)
	if !ok || officerId == 0 {
		return nil, errors.New("officer id is required")
	}

	var officer Officer
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&officer, officerId).Error; err != nil {
		return nil, err
	}
	// check oldPassword
	if err := utils.ComparePassword(officer.Password, oldPassword); err != nil {
		return nil, errors.New("old password is wrong")
	}

	// turn password into hash
	hashedPassword, err := utils.HashPassword(newPassword)
	if err != nil {
		return nil, err
	}

	tx := db.Begin()
	if err := tx.WithContext(ctx).Model(&officer).UpdateColumn("password", string(hashedPassword)).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := config.RemoveRedisKey("Officer:" + officer.Username); err != nil {
		tx.Rollback()
		return nil, err
	}

	// destroying all session tokens
	if err := officer.DestroyAllSessions(ctx); err != nil {
		tx.Rollback()
		return nil, err
	}

	officer.Password = ""
	return &officer, tx.Commit().Error
}
