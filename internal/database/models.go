package database

import (
	"time"

	"github.com/google/uuid"
	"github.com/smukkama/road-rover/internal/detection"
)

// Pothole is a stored detection event. Lat and Lon are nil when the rider
// had no position fix for the window.
type Pothole struct {
	ID        uuid.UUID
	Owner     *string
	Severity  detection.Severity
	Timestamp time.Time
	Lat       *float64
	Lon       *float64
	Deviation float64
	CreatedAt time.Time
}

// LeaderboardEntry is one owner's pothole tally.
type LeaderboardEntry struct {
	Owner        string `json:"username"`
	PotholeCount int    `json:"pothole_count"`
}

// OwnerStats breaks one owner's potholes down by severity.
type OwnerStats struct {
	Owner  string `json:"username"`
	Total  int    `json:"total_potholes"`
	Small  int    `json:"small"`
	Medium int    `json:"medium"`
	Large  int    `json:"large"`
}
