package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/stiebel-can/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

func InsertReadingWithTx(tx *sql.Tx, r model.Reading) error {
	var temp interface{}
	if r.OutsideTemperature != nil {
		temp = *r.OutsideTemperature
	}
	_, err := tx.Exec(`INSERT INTO readings (endpoint, module, relay, is_on, outside_temperature, source, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Endpoint, r.Module, r.Relay, r.On, temp, r.Source, r.RecordedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert reading for %s: %w", r.Endpoint, err)
	}
	return nil
}

// InsertReading stores a single reading.
func InsertReading(db *sql.DB, r model.Reading) error {
	return InsertReadings(db, []model.Reading{r})
}

// InsertReadings stores a batch of readings in one transaction.
func InsertReadings(db *sql.DB, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	for _, r := range readings {
		if err := InsertReadingWithTx(tx, r); err != nil {
			RollbackTransaction(tx)
			return err
		}
	}
	return CommitTransaction(tx)
}

// PruneReadings deletes readings recorded before the cutoff.
func PruneReadings(db *sql.DB, before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM readings WHERE recorded_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	return res.RowsAffected()
}
