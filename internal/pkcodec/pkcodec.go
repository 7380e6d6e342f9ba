// Package pkcodec encodes and decodes composite primary keys as the
// "|"-separated strings used throughout the change log and cross-table
// references.
package pkcodec

import "strings"

const sep = "|"

// Encode joins ordered PK column values into the change log's encoded PK
// representation. Callers must pass values in the table's declared PK
// column order.
func Encode(values ...string) string {
	return strings.Join(values, sep)
}

// Decode splits an encoded PK back into its ordered column values. It does
// not validate the column count against any schema; callers that need
// that check should compare len(Decode(pk)) against the table's declared
// PK column count.
func Decode(pk string) []string {
	if pk == "" {
		return []string{""}
	}
	return strings.Split(pk, sep)
}
