// Package store keeps a JSON snapshot of the last known endpoint statuses.
package store

import (
	"encoding/json"
	"os"
	"time"

	"github.com/thatsimonsguy/stiebel-can/internal/model"
)

type Snapshot struct {
	SavedAt   time.Time              `json:"saved_at"`
	Endpoints []model.EndpointStatus `json:"endpoints"`
}

type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*Snapshot, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var snap Snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Save writes the statuses through a temporary file so readers never see a
// partial snapshot.
func (s *Store) Save(statuses []model.EndpointStatus) error {
	tmpPath := s.path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(Snapshot{SavedAt: time.Now().UTC(), Endpoints: statuses}); err != nil {
		file.Close()
		return err
	}
	file.Sync()
	file.Close()

	return os.Rename(tmpPath, s.path)
}
