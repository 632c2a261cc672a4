package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/stiebel-can/internal/model"
)

func TestReadingsRoundTrip(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	temp := -4.0
	base := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	readings := []model.Reading{
		{Endpoint: "heat_pump", Module: 1, Relay: 0, On: false, Source: "get_reply", RecordedAt: base},
		{Endpoint: "heat_pump", Module: 1, Relay: 0, On: true, Source: "set_ack", RecordedAt: base.Add(time.Second)},
		{Endpoint: "heat_pump", Module: 1, Relay: 0, On: true, OutsideTemperature: &temp, Source: "broadcast", RecordedAt: base.Add(1500 * time.Millisecond)},
		{Endpoint: "ventilation", Module: 1, Relay: 1, On: false, Source: "get_reply", RecordedAt: base},
	}
	require.NoError(t, InsertReadings(db, readings))

	got, err := GetRecentReadings(db, "heat_pump", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "broadcast", got[0].Source)
	require.NotNil(t, got[0].OutsideTemperature)
	assert.Equal(t, -4.0, *got[0].OutsideTemperature)
	assert.True(t, got[0].RecordedAt.Equal(base.Add(1500*time.Millisecond)))

	assert.Equal(t, "set_ack", got[1].Source)
	assert.True(t, got[1].On)
	assert.Nil(t, got[1].OutsideTemperature)
	assert.Equal(t, uint8(1), got[1].Module)

	n, err := CountReadings(db, "ventilation")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPruneReadings(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	require.NoError(t, InsertReadings(db, []model.Reading{
		{Endpoint: "heat_pump", Module: 1, Source: "get_reply", RecordedAt: now.Add(-48 * time.Hour)},
		{Endpoint: "heat_pump", Module: 1, Source: "get_reply", RecordedAt: now},
	}))

	removed, err := PruneReadings(db, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err := CountReadings(db, "heat_pump")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertReadings_RollsBackOnError(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TRIGGER reject_bad BEFORE INSERT ON readings WHEN NEW.source = 'bad'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	err = InsertReadings(db, []model.Reading{
		{Endpoint: "heat_pump", Source: "get_reply", RecordedAt: time.Now()},
		{Endpoint: "heat_pump", Source: "bad", RecordedAt: time.Now()},
	})
	require.Error(t, err)

	n, err := CountReadings(db, "heat_pump")
	require.NoError(t, err)
	assert.Zero(t, n)
}
