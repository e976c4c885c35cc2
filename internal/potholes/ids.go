package potholes

import (
	"time"

	"github.com/google/uuid"
	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/detection"
)

// potholeNamespace seeds name-based pothole ids.
var potholeNamespace = uuid.MustParse("6f1c3a0e-52d4-4b8e-9a57-3c1f0e2d7b41")

// PotholeID derives the id of the event at ts. The debounce gate never
// accepts two events at the same window, so the window key is unique, and
// a recompute hands out the same ids as live ingestion did.
func PotholeID(ts time.Time) uuid.UUID {
	return uuid.NewSHA1(potholeNamespace, []byte(ts.UTC().Format(time.RFC3339Nano)))
}

func newPotholes(events []detection.Event, createdAt time.Time) []database.Pothole {
	potholes := make([]database.Pothole, 0, len(events))
	for _, ev := range events {
		p := database.Pothole{
			ID:        PotholeID(ev.Timestamp),
			Severity:  ev.Severity,
			Timestamp: ev.Timestamp,
			Deviation: ev.Deviation,
			CreatedAt: createdAt,
		}
		if ev.Owner != "" {
			owner := ev.Owner
			p.Owner = &owner
		}
		if ev.Coordinates != nil {
			lat, lon := ev.Coordinates.Lat, ev.Coordinates.Lon
			p.Lat, p.Lon = &lat, &lon
		}
		potholes = append(potholes, p)
	}
	return potholes
}
