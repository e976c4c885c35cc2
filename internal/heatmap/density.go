// Package heatmap builds the read-side view of stored potholes: every
// pothole gets a display radius that grows with the number of potholes
// around it.
package heatmap

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/detection"
)

// Params controls the density enrichment. Radius is a planar distance in
// coordinate degrees, so it only means roughly the same thing on the ground
// over a small area.
type Params struct {
	Radius      float64
	Base        float64
	Coefficient float64
}

func DefaultParams() Params {
	return Params{Radius: 0.001, Base: 25, Coefficient: 5}
}

// Spot is one pothole as drawn on the map. Coordinates is [lon, lat], the
// order the clients send, and null when the rider had no position fix.
type Spot struct {
	ID            uuid.UUID          `json:"id"`
	Severity      detection.Severity `json:"severity"`
	Timestamp     time.Time          `json:"timestamp"`
	Coordinates   *orb.Point         `json:"coordinates"`
	Neighbours    int                `json:"neighbours"`
	DisplayRadius float64            `json:"display_radius"`
}

var world = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// located is a pothole with a position, indexed in the quadtree.
type located struct {
	index int
	point orb.Point
}

func (l located) Point() orb.Point { return l.point }

// Enrich computes the display radius of every pothole. A pothole without a
// position has no neighbours and never counts as one. The input is not
// modified and the output keeps its order.
func Enrich(potholes []database.Pothole, params Params) []Spot {
	spots := make([]Spot, len(potholes))
	qt := quadtree.New(world)

	for i, p := range potholes {
		spots[i] = Spot{
			ID:        p.ID,
			Severity:  p.Severity,
			Timestamp: p.Timestamp,
		}
		if p.Lat == nil || p.Lon == nil {
			continue
		}
		point := orb.Point{*p.Lon, *p.Lat}
		spots[i].Coordinates = &point
		// Out of range positions never pass ingest validation; Add only
		// fails for those.
		_ = qt.Add(located{index: i, point: point})
	}

	var buf []orb.Pointer
	for i := range spots {
		if center := spots[i].Coordinates; center != nil {
			search := center.Bound().Pad(params.Radius)

			buf = qt.InBound(buf[:0], search)
			for _, candidate := range buf {
				other := candidate.(located)
				if other.index == i {
					continue
				}
				if planar.Distance(*center, other.point) <= params.Radius {
					spots[i].Neighbours++
				}
			}
		}
		spots[i].DisplayRadius = params.Base + params.Coefficient*float64(spots[i].Neighbours)
	}

	return spots
}
