package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Delivery is one recorded milk delivery. Rows are append-only; corrections
// are new rows, never edits or deletes.
type Delivery struct {
	ID             int              `gorm:"primary_key" json:"id"`
	FarmerId       int              `gorm:"index;not null" json:"farmer_id"`
	Farmer         *Farmer          `json:"farmer,omitempty"`
	StationId      int              `gorm:"index" json:"station_id"`
	OfficerId      int              `gorm:"index" json:"officer_id"`
	DeliveryDate   time.Time        `gorm:"type:date;index;not null" json:"delivery_date"`
	QuantityLiters decimal.Decimal  `gorm:"type:decimal(8,3);not null" json:"quantity_liters"`
	FatContent     *decimal.Decimal `gorm:"type:decimal(4,2)" json:"fat_content"`
	QualityGrade   QualityGrade     `gorm:"type:enum('A','B','C','Rejected');not null" json:"quality_grade"`
	Remark         string           `gorm:"size:255" json:"remark"`
	Source         DeliverySource   `gorm:"type:enum('mobile','web','batch');default:mobile" json:"source"`
	IdempotencyKey *string          `gorm:"size:64;uniqueIndex" json:"idempotency_key"`
	SyncStatus     SyncStatus       `gorm:"type:enum('synced','pending','conflict');default:synced" json:"sync_status"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewDelivery struct {
	FarmerCode     string           `json:"farmer_code" binding:"required"`
	QuantityLiters decimal.Decimal  `json:"quantity_liters"`
	FatContent     *decimal.Decimal `json:"fat_content"`
	QualityGrade   *string          `json:"quality_grade"`
	DeliveryDate   *string          `json:"delivery_date"`
	Remark         string           `json:"remark"`
	Source         string           `json:"source"`
	IdempotencyKey *string          `json:"idempotency_key"`

	// resolved during validate
	grade  QualityGrade
	source DeliverySource
	date   time.Time
}

var (
	fatContentMin = decimal.Zero
	fatContentMax = decimal.NewFromInt(20)
)

// validate resolves the farmer and normalizes the input. The farmer must
// exist and be active before the idempotency key is even looked at, so a bad
// code is NotFound rather than a silent duplicate.
func (input *NewDelivery) validate(ctx context.Context, cfg config.SettlementSettings) (*Farmer, error) {

	farmer, err := GetFarmerByCode(ctx, input.FarmerCode)
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if farmer.IsActive != nil && !*farmer.IsActive {
		return nil, utils.ErrorRecordNotFound
	}

	// quantity
	if input.QuantityLiters.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("quantity must be greater than zero")
	}
	if input.QuantityLiters.LessThan(cfg.MinDeliveryLiters) || input.QuantityLiters.GreaterThan(cfg.MaxDeliveryLiters) {
		return nil, fmt.Errorf("quantity must be between %s and %s liters", cfg.MinDeliveryLiters, cfg.MaxDeliveryLiters)
	}

	// fat content
	if input.FatContent != nil {
		if input.FatContent.LessThan(fatContentMin) || input.FatContent.GreaterThan(fatContentMax) {
			return nil, errors.New("fat content must be between 0 and 20")
		}
	}

	// grade: client value wins, otherwise derive from the measurement
	if input.QualityGrade != nil {
		grade, err := ParseQualityGrade(*input.QualityGrade)
		if err != nil {
			return nil, err
		}
		input.grade = grade
	} else if input.FatContent != nil {
		input.grade = DeriveQualityGrade(*input.FatContent)
	} else {
		input.grade = QualityGradeB
	}

	// source
	source, err := ParseDeliverySource(input.Source)
	if err != nil {
		return nil, err
	}
	input.source = source

	// delivery date, defaulting to today in the company's timezone
	if input.DeliveryDate != nil && *input.DeliveryDate != "" {
		date, err := time.Parse("2006-01-02", *input.DeliveryDate)
		if err != nil {
			return nil, errors.New("invalid delivery date, expected YYYY-MM-DD")
		}
		input.date = date
	} else {
		location, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			location = time.UTC
		}
		now := time.Now().In(location)
		input.date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	// idempotency key
	if input.IdempotencyKey != nil {
		key := strings.TrimSpace(*input.IdempotencyKey)
		if key == "" {
			input.IdempotencyKey = nil
		} else if len(key) > 64 {
			return nil, errors.New("idempotency key must be at most 64 characters")
		} else {
			input.IdempotencyKey = &key
		}
	}

	return farmer, nil
}

func (input *NewDelivery) build(ctx context.Context, farmer *Farmer) Delivery {
	officerId, _ := utils.GetOfficerIdFromContext(ctx)
	return Delivery{
		FarmerId:       farmer.ID,
		StationId:      farmer.StationId,
		OfficerId:      officerId,
		DeliveryDate:   input.date,
		QuantityLiters: input.QuantityLiters,
		FatContent:     input.FatContent,
		QualityGrade:   input.grade,
		Remark:         input.Remark,
		Source:         input.source,
		IdempotencyKey: input.IdempotencyKey,
		SyncStatus:     SyncStatusSynced,
	}
}

// CreateDelivery ingests a single delivery. The second return reports whether
// an already-stored record was returned for the same idempotency key.
func CreateDelivery(ctx context.Context, input *NewDelivery, cfg config.SettlementSettings) (*Delivery, bool, error) {

	farmer, err := input.validate(ctx, cfg)
	if err != nil {
		return nil, false, err
	}

	// fast path: the key has been seen before
	if input.IdempotencyKey != nil {
		existing, err := GetDeliveryByIdempotencyKey(ctx, *input.IdempotencyKey)
		if err != nil && !errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	delivery := input.build(ctx, farmer)

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Create(&delivery).Error
	if err != nil {
		// two requests raced the same key past the fast path; the unique
		// index picked the winner, hand back its record
		if utils.IsDuplicateKeyErr(err) && input.IdempotencyKey != nil {
			existing, lookupErr := GetDeliveryByIdempotencyKey(ctx, *input.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, err
			}
			return existing, true, nil
		}
		return nil, false, err
	}
	// hand the resolved farmer back so the caller can schedule the
	// confirmation SMS without another lookup
	delivery.Farmer = farmer
	return &delivery, false, nil
}

type SyncBatchResultItem struct {
	ClientKey *string          `json:"client_key,omitempty"`
	RecordId  *int             `json:"record_id,omitempty"`
	Outcome   BatchItemOutcome `json:"outcome"`
	Message   string           `json:"message,omitempty"`
}

type SyncBatchResult struct {
	Total     int                    `json:"total"`
	Created   int                    `json:"created"`
	Duplicate int                    `json:"duplicate"`
	Error     int                    `json:"error"`
	Results   []*SyncBatchResultItem `json:"results"`

	// created rows, for post-commit notification scheduling
	CreatedDeliveries []*Delivery `json:"-"`
}

// SyncBatchDeliveries ingests a batch inside one transaction. Items are
// processed in submission order, each under a savepoint, so one bad item
// rolls back alone and a repeated key later in the batch observes the
// earlier insert.
func SyncBatchDeliveries(ctx context.Context, items []*NewDelivery, cfg config.SettlementSettings) (*SyncBatchResult, error) {

	if len(items) == 0 {
		return nil, errors.New("batch is empty")
	}
	if len(items) > cfg.SyncBatchSize {
		return nil, fmt.Errorf("batch exceeds the maximum of %d items", cfg.SyncBatchSize)
	}

	result := SyncBatchResult{Total: len(items)}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	for i, input := range items {
		item, created := processBatchItem(ctx, tx, input, cfg, i)
		result.Results = append(result.Results, item)
		switch item.Outcome {
		case BatchItemOutcomeCreated:
			result.Created++
			result.CreatedDeliveries = append(result.CreatedDeliveries, created)
		case BatchItemOutcomeDuplicate:
			result.Duplicate++
		default:
			result.Error++
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func processBatchItem(ctx context.Context, tx *gorm.DB, input *NewDelivery, cfg config.SettlementSettings, idx int) (*SyncBatchResultItem, *Delivery) {

	item := SyncBatchResultItem{
		ClientKey: input.IdempotencyKey,
		Outcome:   BatchItemOutcomeError,
	}

	farmer, err := input.validate(ctx, cfg)
	if err != nil {
		item.Message = err.Error()
		return &item, nil
	}
	// validate may clear a blank key
	item.ClientKey = input.IdempotencyKey

	// duplicate check inside the transaction so a key created earlier in
	// this same batch is visible
	if input.IdempotencyKey != nil {
		var existing Delivery
		err := tx.Where("idempotency_key = ?", *input.IdempotencyKey).First(&existing).Error
		if err == nil {
			item.Outcome = BatchItemOutcomeDuplicate
			item.RecordId = &existing.ID
			return &item, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			item.Message = err.Error()
			return &item, nil
		}
	}

	savepoint := fmt.Sprintf("batch_item_%d", idx)
	if err := tx.SavePoint(savepoint).Error; err != nil {
		item.Message = err.Error()
		return &item, nil
	}

	delivery := input.build(ctx, farmer)
	delivery.Source = DeliverySourceBatch
	if err := tx.Create(&delivery).Error; err != nil {
		tx.RollbackTo(savepoint)
		// a concurrent request holds the key; its transaction has committed
		// by the time 1062 surfaces, so a fresh session sees the winner
		if utils.IsDuplicateKeyErr(err) && input.IdempotencyKey != nil {
			existing, lookupErr := GetDeliveryByIdempotencyKey(ctx, *input.IdempotencyKey)
			if lookupErr == nil {
				item.Outcome = BatchItemOutcomeDuplicate
				item.RecordId = &existing.ID
				return &item, nil
			}
		}
		item.Message = err.Error()
		return &item, nil
	}

	item.Outcome = BatchItemOutcomeCreated
	item.RecordId = &delivery.ID
	delivery.Farmer = farmer
	return &item, &delivery
}

func GetDelivery(ctx context.Context, id int) (*Delivery, error) {
	return utils.FetchSingleModel[Delivery](ctx, id, "Farmer")
}

// may return RecordNotFound error
func GetDeliveryByIdempotencyKey(ctx context.Context, key string) (*Delivery, error) {
	return utils.FetchModelWhere[Delivery](ctx, "idempotency_key = ?", key)
}

type DeliveryFilter struct {
	FarmerCode *string
	StationId  *int
	DateFrom   *string
	DateTo     *string
	Limit      int
	Offset     int
}

func ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*Delivery, error) {

	db := config.GetDB()
	var results []*Delivery

	dbCtx := db.WithContext(ctx).Model(&Delivery{})
	if filter.FarmerCode != nil && *filter.FarmerCode != "" {
		farmer, err := GetFarmerByCode(ctx, *filter.FarmerCode)
		if err != nil {
			return nil, err
		}
		dbCtx = dbCtx.Where("farmer_id = ?", farmer.ID)
	}
	if filter.StationId != nil && *filter.StationId > 0 {
		dbCtx = dbCtx.Where("station_id = ?", *filter.StationId)
	}
	if filter.DateFrom != nil && *filter.DateFrom != "" {
		from, err := time.Parse("2006-01-02", *filter.DateFrom)
		if err != nil {
			return nil, errors.New("invalid date_from, expected YYYY-MM-DD")
		}
		dbCtx = dbCtx.Where("delivery_date >= ?", from)
	}
	if filter.DateTo != nil && *filter.DateTo != "" {
		to, err := time.Parse("2006-01-02", *filter.DateTo)
		if err != nil {
			return nil, errors.New("invalid date_to, expected YYYY-MM-DD")
		}
		dbCtx = dbCtx.Where("delivery_date <= ?", to)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	// db query
	err := dbCtx.Order("delivery_date DESC, id DESC").
		Limit(limit).Offset(filter.Offset).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// deliveries whose delivery date falls inside [monthStart, monthEnd]
func deliveriesForMonth(ctx context.Context, farmerId int, monthStart time.Time, monthEnd time.Time) ([]*Delivery, error) {
	db := config.GetDB()
	var results []*Delivery
	err := db.WithContext(ctx).
		Where("farmer_id = ? AND delivery_date >= ? AND delivery_date <= ?", farmerId, monthStart, monthEnd).
		Order("delivery_date, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
