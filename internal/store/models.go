package store

import "time"

// Device is the last known identity and settings of a receiver, keyed by its
// configured display name.
type Device struct {
	Name       string    `json:"name"`
	Address    string    `json:"address,omitempty"`
	Port       int       `json:"port,omitempty"`
	DeviceType string    `json:"device_type,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Volume     *float64  `json:"volume,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// HistoryEntry is one persisted supervisor event.
type HistoryEntry struct {
	Seq  uint64         `json:"seq"`
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}
