package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timeScanner reads a timestamp column whether the driver hands back a
// time.Time or, as SQLite does for RETURNING and subquery columns without a
// declared type, the stored text.
type timeScanner struct {
	dst *time.Time
}

func scanTime(dst *time.Time) timeScanner {
	return timeScanner{dst: dst}
}

func (s timeScanner) Scan(v any) error {
	switch x := v.(type) {
	case time.Time:
		*s.dst = x.UTC()
	case string:
		return s.parse(x)
	case []byte:
		return s.parse(string(x))
	case nil:
		*s.dst = time.Time{}
	default:
		return fmt.Errorf("scan timestamp: unsupported type %T", v)
	}
	return nil
}

func (s timeScanner) parse(text string) error {
	text = strings.TrimSuffix(text, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			*s.dst = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("scan timestamp: unrecognised value %q", text)
}
