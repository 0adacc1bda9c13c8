package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: core tables.
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Session{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&QueryRecord{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&CacheEntry{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&AuditEntry{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sessions", "query_records", "cache_entries", "audit_entries")
			},
		},

		// Migration 002: one active session per (principal, channel).
		// Partial unique index so getOrCreate's insert-if-absent is
		// race-free while expired rows stay behind for history.
		{
			ID: "002_active_session_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_pair
					 ON sessions (principal, channel_id) WHERE active`,
				).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_sessions_active_pair`).Error
			},
		},

		// Migration 003: user mappings for the local identity resolver.
		{
			ID: "003_user_mappings",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&UserMapping{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("user_mappings")
			},
		},
	})

	return m.Migrate()
}
