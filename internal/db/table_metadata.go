package db

import (
	"context"
	"database/sql"
)

// GetColumnNames lists the columns of schema.tableName
func GetColumnNames(ctx context.Context, db *sql.DB, schema, tableName string) ([]string, error) {
	query := `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @tableName`
	rows, err := db.QueryContext(ctx, query, sql.Named("schema", schema), sql.Named("tableName", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			return nil, err
		}
		columns = append(columns, columnName)
	}
	return columns, rows.Err()
}
