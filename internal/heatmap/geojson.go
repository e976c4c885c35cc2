package heatmap

import (
	"time"

	"github.com/paulmach/orb/geojson"
)

// FeatureCollection renders spots as GeoJSON points. Spots without a
// position cannot be drawn and are left out.
func FeatureCollection(spots []Spot) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, s := range spots {
		if s.Coordinates == nil {
			continue
		}

		f := geojson.NewFeature(*s.Coordinates)
		f.ID = s.ID.String()
		f.Properties["severity"] = string(s.Severity)
		f.Properties["timestamp"] = s.Timestamp.UTC().Format(time.RFC3339)
		f.Properties["neighbours"] = s.Neighbours
		f.Properties["display_radius"] = s.DisplayRadius
		fc.Append(f)
	}
	return fc
}
