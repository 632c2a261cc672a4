package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/stiebel-can/internal/model"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path)

	_, err := s.Load()
	assert.True(t, os.IsNotExist(err))

	temp := 1.5
	require.NoError(t, s.Save([]model.EndpointStatus{
		{Name: "heat_pump", Module: 1, Relay: 0, On: true, OutsideTemperature: &temp, Online: true},
		{Name: "ventilation", Module: 1, Relay: 1},
	}))

	snap, err := s.Load()
	require.NoError(t, err)
	assert.False(t, snap.SavedAt.IsZero())
	require.Len(t, snap.Endpoints, 2)
	assert.True(t, snap.Endpoints[0].On)
	require.NotNil(t, snap.Endpoints[0].OutsideTemperature)
	assert.Equal(t, 1.5, *snap.Endpoints[0].OutsideTemperature)
	assert.Nil(t, snap.Endpoints[1].UpdatedAt)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
