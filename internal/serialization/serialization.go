// Package serialization handles media record export/import between SQLite
// and JSON.
package serialization

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/akshaykher243/payload-template/internal/metadata"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// envelopeKey names the export header object.
const envelopeKey = "mediastore_export"

// Table is the exported table.
const Table = "media_files"

// columns defines column order for media_files.
var columns = []string{
	"id", "filename", "title", "collection", "prefix", "declared_mime_type",
	"corrected_mime_type", "mime_type_corrected", "filesize", "storage_key",
	"variants", "created_at", "updated_at",
}

// jsonFields are SQLite columns that store JSON strings to be expanded.
var jsonFields = map[string]bool{"variants": true}

// boolFields are SQLite columns that store integer booleans.
var boolFields = map[string]bool{"mime_type_corrected": true}

// ExportOptions configures what to export.
type ExportOptions struct {
	// Collection limits the export to one collection slug when set.
	Collection string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace deletes every existing record before inserting. Otherwise
	// rows whose id already exists are skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Inserted int
	Skipped  int
	Warnings []string
}

// ExportRecords exports media records from SQLite to a JSON string.
func ExportRecords(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}

	if _, err := os.Stat(dbPath); err != nil {
		return "", fmt.Errorf("database not found: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	schemaVersion := getSchemaVersion(db)
	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	result := map[string]any{
		envelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    now,
			"schema_version": schemaVersion,
			"source":         "go/" + Version,
		},
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), Table)
	var args []any
	if opts.Collection != "" {
		query += " WHERE collection = ?"
		args = append(args, opts.Collection)
	}
	query += " ORDER BY id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", Table, err)
	}
	defer rows.Close()

	tableRows := make([]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scanning %s row: %w", Table, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(col, values[i])
		}
		tableRows = append(tableRows, row)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating %s: %w", Table, err)
	}

	result[Table] = tableRows
	return marshalSorted(result)
}

// ImportRecords imports media records from a JSON string into SQLite. The
// schema is created when the database is new.
func ImportRecords(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	envelope, _ := data[envelopeKey].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}

	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	tx, err := store.DB().Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	if opts.Replace {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", Table)); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("deleting %s: %w", Table, err)
		}
	}

	result := &ImportResult{}
	rowList, _ := data[Table].([]any)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	verb := "INSERT OR IGNORE"
	if opts.Replace {
		verb = "INSERT"
	}
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, Table, strings.Join(columns, ", "), placeholders)

	for _, rawRow := range rowList {
		rowMap, ok := rawRow.(map[string]any)
		if !ok {
			result.Skipped++
			continue
		}
		if id, _ := rowMap["id"].(string); id == "" {
			result.Skipped++
			result.Warnings = append(result.Warnings, "Skipped row without id")
			continue
		}

		collapsed := collapseRow(rowMap)
		values := make([]any, len(columns))
		for i, col := range columns {
			values[i] = collapsed[col]
		}

		res, err := tx.Exec(query, values...)
		if err != nil {
			result.Skipped++
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("Skipped record %v: %v", rowMap["id"], err))
			continue
		}
		affected, _ := res.RowsAffected()
		if affected > 0 {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return result, nil
}

func getSchemaVersion(db *sql.DB) int {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 1
	}
	return version
}

func convertValue(col string, val any) any {
	if val == nil {
		return nil
	}
	if jsonFields[col] {
		s, ok := val.(string)
		if !ok {
			// sql driver may return []byte
			if b, ok := val.([]byte); ok {
				s = string(b)
			} else {
				return map[string]any{}
			}
		}
		var obj any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return map[string]any{}
		}
		return obj
	}
	if boolFields[col] {
		switch v := val.(type) {
		case int64:
			return v != 0
		case float64:
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

func collapseRow(row map[string]any) map[string]any {
	result := make(map[string]any, len(row))
	for k, v := range row {
		switch {
		case jsonFields[k]:
			if v == nil {
				result[k] = "{}"
				continue
			}
			b, err := json.Marshal(v)
			if err != nil {
				result[k] = "{}"
			} else {
				result[k] = string(b)
			}
		case boolFields[k]:
			if b, ok := v.(bool); ok {
				if b {
					result[k] = int64(1)
				} else {
					result[k] = int64(0)
				}
			} else {
				result[k] = v
			}
		case k == "filesize":
			// JSON numbers decode as float64.
			if f, ok := v.(float64); ok {
				result[k] = int64(f)
			} else {
				result[k] = v
			}
		default:
			result[k] = v
		}
	}
	for _, col := range []string{"title", "collection", "prefix", "declared_mime_type"} {
		if result[col] == nil {
			result[col] = ""
		}
	}
	return result
}

// marshalSorted produces JSON with sorted keys, 2-space indent.
func marshalSorted(data map[string]any) (string, error) {
	b, err := json.MarshalIndent(sortedMap(data), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sortedMap is a map that marshals with sorted keys.
type sortedMap map[string]any

func (m sortedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')

		valBytes, err := marshalValue(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return sortedMap(val).MarshalJSON()
	case []any:
		buf := []byte{'['}
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			b, err := marshalValue(elem)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(v)
	}
}
