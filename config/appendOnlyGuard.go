package config

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// AppendOnlyGuardPlugin blocks DELETE statements against append-only tables.
// Delivery history is the financial source of truth: summaries are rebuilt from
// it and payment jobs reference it, so rows must never be removed. Payees and
// stations deactivate instead of deleting; this guard makes the same rule hold
// for deliveries, payment jobs and sms logs at the ORM layer.
//
// NOTE:
// - This does NOT apply to Raw SQL. Ops scripts that truly need a purge must
//   go through the database directly.
type AppendOnlyGuardPlugin struct{}

func NewAppendOnlyGuardPlugin() *AppendOnlyGuardPlugin { return &AppendOnlyGuardPlugin{} }

func (p *AppendOnlyGuardPlugin) Name() string { return "append_only_guard" }

var appendOnlyTables = map[string]bool{
	"deliveries":   true,
	"payment_jobs": true,
	"sms_logs":     true,
}

var ErrAppendOnlyTable = errors.New("table is append-only, rows cannot be deleted")

func (p *AppendOnlyGuardPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Delete().Before("gorm:delete").Register("append_only_guard:delete", appendOnlyGuardCallback)
}

func appendOnlyGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := strings.ToLower(strings.TrimSpace(db.Statement.Table))
	if table == "" && db.Statement.Schema != nil {
		table = strings.ToLower(db.Statement.Schema.Table)
	}
	if appendOnlyTables[table] {
		_ = db.AddError(ErrAppendOnlyTable)
	}
}
