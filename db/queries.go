package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/stiebel-can/internal/model"
)

// GetRecentReadings returns up to limit readings of an endpoint, newest first.
func GetRecentReadings(db *sql.DB, endpoint string, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT id, endpoint, module, relay, is_on, outside_temperature, source, recorded_at
		FROM readings WHERE endpoint = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`, endpoint, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []model.Reading
	for rows.Next() {
		var r model.Reading
		var temp sql.NullFloat64
		var recordedAt string
		err = rows.Scan(&r.ID, &r.Endpoint, &r.Module, &r.Relay, &r.On, &temp, &r.Source, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		if temp.Valid {
			v := temp.Float64
			r.OutsideTemperature = &v
		}
		r.RecordedAt, _ = time.Parse(timeLayout, recordedAt)
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return readings, nil
}

// CountReadings returns the number of stored readings of an endpoint.
func CountReadings(db *sql.DB, endpoint string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM readings WHERE endpoint = ?`, endpoint).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count readings for %s: %w", endpoint, err)
	}
	return n, nil
}
