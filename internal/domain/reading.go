package domain

import "time"

// Reading is one forecast temperature at one point in time.
type Reading struct {
	ObservationTime time.Time `json:"observation_time"`
	Temperature     int64     `json:"temperature"`
	IngestionTime   time.Time `json:"ingestion_time"`
}
