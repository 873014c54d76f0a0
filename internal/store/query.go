package store

import (
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// insertQuery builds a named INSERT for sqlx's NamedExec.
func insertQuery(table string, columns []string) string {
	return "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (:" + strings.Join(columns, ", :") + ")"
}

// setClause renders "a = :a, b = :b" for a named UPDATE.
func setClause(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c + " = :" + c
	}
	return strings.Join(parts, ", ")
}

func uuidArray(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
