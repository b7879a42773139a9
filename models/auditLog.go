package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"gorm.io/gorm"
)

// AuditLog records who changed what. Deliveries themselves are append-only,
// so the interesting rows here are directory edits and disbursement runs.
type AuditLog struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ActionType    string    `gorm:"size:10;not null" json:"action_type" binding:"required"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:255" json:"reference_type"`
	OfficerId     int       `gorm:"index" json:"officer_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func createAuditLog(tx *gorm.DB,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string) (err error) {

	var auditLog AuditLog

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	ctx := tx.Statement.Context
	// officer id comes from the session; batch jobs and seeds run without one
	officerId, _ := utils.GetOfficerIdFromContext(ctx)

	auditLog.ActionType = actionType
	auditLog.Before = string(b)
	auditLog.After = string(a)
	auditLog.Description = description
	auditLog.ReferenceID = referenceId
	auditLog.ReferenceType = referenceType
	auditLog.OfficerId = officerId

	err = tx.Create(&auditLog).Error
	return err
}

func SaveAuditCreate(tx *gorm.DB, id int, obj interface{}, description string) error {
	return createAuditLog(tx, "CREATE", id, tx.Statement.Table, nil, obj, description)
}

func SaveAuditUpdate(tx *gorm.DB, id int, currentValue interface{}, description string) error {

	var newValue = tx.Statement.Dest

	return createAuditLog(tx, "UPDATE", id, tx.Statement.Table, currentValue, newValue, description)
}

// SaveAuditAction records an operation that is not a plain row create/update,
// inside the caller's transaction. Disbursement runs use it.
func SaveAuditAction(tx *gorm.DB, actionType string, referenceId int, referenceType string, description string) error {
	return createAuditLog(tx, actionType, referenceId, referenceType, nil, nil, description)
}

func GetAuditLog(ctx context.Context, id int) (*AuditLog, error) {

	db := config.GetDB()
	var result AuditLog

	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetAuditLogs(ctx context.Context, referenceId *int, referenceType *string, officerId *int) ([]*AuditLog, error) {

	db := config.GetDB()
	var results []*AuditLog

	dbCtx := db.WithContext(ctx)
	if referenceId != nil && *referenceId > 0 {
		dbCtx = dbCtx.Where("reference_id = ?", referenceId)
	}
	if referenceType != nil && len(*referenceType) > 0 {
		dbCtx = dbCtx.Where("reference_type = ?", referenceType)
	}
	if officerId != nil && *officerId > 0 {
		dbCtx = dbCtx.Where("officer_id = ?", officerId)
	}
	err := dbCtx.Order("created_at DESC").Limit(500).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
