package types

import "time"

// WaveWU is one entry in a WaveManifest's wus list (spec §3, §6).
type WaveWU struct {
	ID     string `json:"id"`
	Lane   string `json:"lane"`
	Status string `json:"status"` // always "spawned"
}

// WaveManifest is the persisted record of one initiative wave (spec §3, §6).
type WaveManifest struct {
	Initiative string    `json:"initiative"`
	Wave       int       `json:"wave"`
	CreatedAt  time.Time `json:"created_at"`
	WUs        []WaveWU  `json:"wus"`
}
