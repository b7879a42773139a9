package models

import (
	"gorm.io/gorm"
)

// Audit hooks for the directory models. Deliveries are append-only and
// summaries are derived, so neither is hooked; their story is told by the
// rows themselves.

func (c *Company) AfterCreate(tx *gorm.DB) error {
	return SaveAuditCreate(tx, c.ID, c, "created company "+c.Name)
}

func (c *Company) AfterUpdate(tx *gorm.DB) error {
	return SaveAuditUpdate(tx, c.ID, nil, "updated company "+c.Name)
}

func (s *Station) AfterCreate(tx *gorm.DB) error {
	return SaveAuditCreate(tx, s.ID, s, "created station "+s.Code)
}

func (s *Station) AfterUpdate(tx *gorm.DB) error {
	return SaveAuditUpdate(tx, s.ID, nil, "updated station "+s.Code)
}

func (f *Farmer) AfterCreate(tx *gorm.DB) error {
	return SaveAuditCreate(tx, f.ID, f, "registered farmer "+f.Code)
}

func (f *Farmer) AfterUpdate(tx *gorm.DB) error {
	return SaveAuditUpdate(tx, f.ID, nil, "updated farmer "+f.Code)
}

func (o *Officer) AfterCreate(tx *gorm.DB) error {
	// never persist the hash into the audit trail
	sanitized := *o
	sanitized.Password = ""
	return SaveAuditCreate(tx, o.ID, sanitized, "created officer "+o.Username)
}

func (o *Officer) AfterUpdate(tx *gorm.DB) error {
	return createAuditLog(tx, "UPDATE", o.ID, tx.Statement.Table, nil, nil, "updated officer "+o.Username)
}
