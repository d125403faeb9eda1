package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a migrated database against the layout the session
// store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"sessions":          "Session records",
		"translations":      "Delivered translations",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"id":                 "TEXT",
		"teacher_id":         "TEXT",
		"teacher_language":   "TEXT",
		"start_time":         "DATETIME",
		"end_time":           "DATETIME",
		"students_count":     "INTEGER",
		"peak_students":      "INTEGER",
		"total_translations": "INTEGER",
		"average_latency":    "REAL",
		"is_active":          "INTEGER",
		"quality":            "TEXT",
		"last_activity_at":   "DATETIME",
	}
	if err := v.validateColumns("sessions", sessionColumns); err != nil {
		return fmt.Errorf("sessions table structure invalid: %w", err)
	}

	translationColumns := map[string]string{
		"id":                  "TEXT",
		"session_id":          "TEXT",
		"original_text":       "TEXT",
		"translated_text":     "TEXT",
		"original_language":   "TEXT",
		"translated_language": "TEXT",
		"latency_ms":          "INTEGER",
		"created_at":          "DATETIME",
	}
	if err := v.validateColumns("translations", translationColumns); err != nil {
		return fmt.Errorf("translations table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_active":           "Active session listing",
		"idx_sessions_teacher":          "Teacher resumption lookups",
		"idx_translations_session_time": "Translation history",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints probes that foreign keys and the quality check are
// enforced. It leaves no rows behind.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO translations (id, session_id, original_text, translated_text,
			original_language, translated_language, latency_ms, created_at)
		VALUES ('constraint-probe', 'missing-session', 'a', 'b', 'en', 'es', 0, CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM translations WHERE id = 'constraint-probe'")
		return fmt.Errorf("foreign key constraint not enforced: translations.session_id")
	}

	_, err = v.db.Exec(`
		INSERT INTO sessions (id, teacher_language, start_time, quality, last_activity_at)
		VALUES ('constraint-probe', 'en', CURRENT_TIMESTAMP, 'excellent', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM sessions WHERE id = 'constraint-probe'")
		return fmt.Errorf("check constraint not enforced: sessions.quality")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, expectedType := range expectedColumns {
		foundType, exists := found[column]
		if !exists {
			return fmt.Errorf("column %s not found", column)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", column, foundType, expectedType)
		}
	}

	return nil
}
