package trainingstore

import (
	"database/sql/driver"
	"time"
)

// nullTime scans a nullable timestamp column without pulling in
// database/sql's sql.NullTime, since pgx's Scan target protocol only needs
// Scan/Value.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	if src == nil {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	t, ok := src.(time.Time)
	if !ok {
		return nil
	}
	n.Time, n.Valid = t, true
	return nil
}

func (n nullTime) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Time, nil
}

func nullableTime(has bool, t time.Time) *time.Time {
	if !has {
		return nil
	}
	return &t
}
