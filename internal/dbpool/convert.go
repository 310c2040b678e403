package dbpool

import (
	"database/sql"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// timeLayout matches the naive ISO-8601 form clients already parse.
const timeLayout = "2006-01-02T15:04:05"

// convertValue maps a driver value to a plain JSON-serializable type.
// Decimals arrive from the MySQL driver as text and are parsed to float64;
// everything else follows the driver's native types.
func convertValue(v any, ct *sql.ColumnType) any {
	switch val := v.(type) {
	case nil:
		return nil
	case int64:
		return val
	case float64:
		return val
	case bool:
		return val
	case time.Time:
		return val.Format(timeLayout)
	case string:
		if isDecimalColumn(ct) {
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				return f
			}
		}
		return val
	case []byte:
		if isDecimalColumn(ct) {
			if f, err := strconv.ParseFloat(string(val), 64); err == nil {
				return f
			}
		}
		if utf8.Valid(val) {
			return string(val)
		}
		return hex.EncodeToString(val)
	default:
		return val
	}
}

func isDecimalColumn(ct *sql.ColumnType) bool {
	if ct == nil {
		return false
	}
	switch strings.ToUpper(ct.DatabaseTypeName()) {
	case "DECIMAL", "NUMERIC":
		return true
	}
	return false
}
