// Package serialization exports the catalog to JSON and imports it back,
// for backups and for moving a gateway to a new host.
package serialization

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ExportVersion is the version of the export document layout.
const ExportVersion = 1

// Redacted replaces access key secrets in exports made without secrets.
const Redacted = "REDACTED"

// AllTables lists the exportable tables in insert order: parents before the
// rows that reference them.
var AllTables = []string{"principals", "quotas", "access_keys", "buckets", "objects", "bucket_grants", "object_grants"}

// boolFields are SQLite columns that store integer booleans.
var boolFields = map[string]bool{"version_control": true, "backup": true, "read_only": true, "active": true}

// tableColumns defines column order for each table.
var tableColumns = map[string][]string{
	"principals":    {"username", "parent_uid", "root_uid", "active", "created_at"},
	"quotas":        {"owner", "kind", "value", "start_time", "duration_days"},
	"access_keys":   {"access_key", "secret_key", "owner", "allow_ip", "active", "created_at"},
	"buckets":       {"id", "name", "owner", "region", "permission", "version_control", "backup", "read_only", "pid", "created_at"},
	"objects":       {"id", "bucket_id", "type", "name", "root", "key", "file_size", "md5", "etag", "version_id", "permission", "owner", "uploaded_at"},
	"bucket_grants": {"id", "resource_id", "grantee", "permission", "created_at"},
	"object_grants": {"id", "resource_id", "grantee", "permission", "created_at"},
}

var tableOrderBy = map[string]string{
	"principals":    "username",
	"quotas":        "owner, kind",
	"access_keys":   "access_key",
	"buckets":       "id",
	"objects":       "id",
	"bucket_grants": "id",
	"object_grants": "id",
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
	// IncludeSecrets keeps access key secrets in the export.
	IncludeSecrets bool
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace empties every imported table first. Otherwise rows whose key
	// already exists are skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// Header is the envelope identifying an export document.
type Header struct {
	Version       int    `json:"version"`
	ExportedAt    string `json:"exported_at"`
	SchemaVersion int    `json:"schema_version"`
}

// Export writes the selected catalog tables as an indented JSON document.
func Export(ctx context.Context, db *sql.DB, opts *ExportOptions) ([]byte, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}
	tables := opts.Tables
	if len(tables) == 0 {
		tables = AllTables
	}

	result := map[string]any{
		"ossgate_export": Header{
			Version:       ExportVersion,
			ExportedAt:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			SchemaVersion: schemaVersion(ctx, db),
		},
	}

	for _, table := range tables {
		columns, ok := tableColumns[table]
		if !ok {
			return nil, fmt.Errorf("unknown table %q", table)
		}
		query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(columns, ", "), table, tableOrderBy[table])
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", table, err)
		}

		tableRows := make([]map[string]any, 0)
		for rows.Next() {
			values := make([]any, len(columns))
			ptrs := make([]any, len(columns))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning %s row: %w", table, err)
			}

			row := make(map[string]any, len(columns))
			for i, col := range columns {
				row[col] = convertValue(col, values[i])
			}
			if table == "access_keys" && !opts.IncludeSecrets {
				row["secret_key"] = Redacted
			}
			tableRows = append(tableRows, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating %s: %w", table, err)
		}
		result[table] = tableRows
	}

	// encoding/json sorts map keys, so exports are stable.
	return json.MarshalIndent(result, "", "  ")
}

// Import loads an export document into the catalog in one transaction.
// Access keys with redacted secrets are skipped with a warning.
func Import(ctx context.Context, db *sql.DB, doc []byte, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(doc, &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	var header Header
	if raw, ok := data["ossgate_export"]; ok {
		if err := json.Unmarshal(raw, &header); err != nil {
			return nil, fmt.Errorf("parsing export header: %w", err)
		}
	}
	if header.Version < 1 || header.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", header.Version)
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		// Children first so foreign keys hold at every step.
		for _, table := range slices.Backward(AllTables) {
			if _, ok := data[table]; !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", table, err)
			}
		}
	}

	for _, table := range AllTables {
		raw, ok := data[table]
		if !ok {
			continue
		}
		var rows []map[string]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", table, err)
		}
		columns := tableColumns[table]
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		verb := "INSERT OR IGNORE"
		if opts.Replace {
			verb = "INSERT"
		}
		query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, table, strings.Join(columns, ", "), placeholders)

		inserted, skipped := 0, 0
		for _, row := range rows {
			if table == "access_keys" {
				if sk, _ := row["secret_key"].(string); sk == Redacted {
					skipped++
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("skipped access key %v: secret was redacted", row["access_key"]))
					continue
				}
			}

			values := make([]any, len(columns))
			for i, col := range columns {
				values[i] = collapseValue(col, row[col])
			}
			res, err := tx.ExecContext(ctx, query, values...)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings, fmt.Sprintf("skipped %s row: %v", table, err))
				continue
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				inserted++
			} else {
				skipped++
			}
		}
		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

func schemaVersion(ctx context.Context, db *sql.DB) int {
	var version int
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 1
	}
	return version
}

func convertValue(col string, val any) any {
	if val == nil {
		return nil
	}
	if boolFields[col] {
		switch v := val.(type) {
		case int64:
			return v != 0
		case bool:
			return v
		default:
			return false
		}
	}
	// sql driver may return []byte for TEXT columns.
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

// collapseValue converts a decoded JSON value back to its column form.
// Numbers decode as float64 and are stored as integers.
func collapseValue(col string, v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case float64:
		return int64(val)
	case nil:
		if boolFields[col] {
			return int64(0)
		}
		return nil
	default:
		return val
	}
}
