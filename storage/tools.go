package storage

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/golang/geo/s2"
)

const earthCircumferenceMeter = 40075017

var (
	// MaxGeoTime helper to query into the future
	MaxGeoTime = time.Unix(0, math.MaxInt64)

	// MinGeoTime helper to query into the past
	MinGeoTime = time.Unix(0, 0)
)

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func int64tob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func Uint64tob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func S2RadialAreaMeters(radius float64) float64 {
	r := (radius / earthCircumferenceMeter) * math.Pi * 2
	return math.Pi * r * r
}

// RadiusCap returns the cap of radius meters around lat lng.
func RadiusCap(lat, lng, radius float64) s2.Cap {
	return s2.CapFromCenterArea(PointOf(lat, lng), S2RadialAreaMeters(radius))
}

// RectRegion returns the rect from the upper right and bottom left corners.
func RectRegion(urlat, urlng, bllat, bllng float64) s2.Rect {
	rect := s2.RectFromLatLng(s2.LatLngFromDegrees(bllat, bllng))
	return rect.AddPoint(s2.LatLngFromDegrees(urlat, urlng))
}

// Cover returns the cells covering region.
func Cover(region s2.Region) s2.CellUnion {
	coverer := &s2.RegionCoverer{MaxCells: 8}
	return coverer.Covering(region)
}

// Bounds fills in zero times with the widest range.
func Bounds(from, to time.Time) (time.Time, time.Time) {
	if from.IsZero() {
		from = MinGeoTime
	}
	if to.IsZero() {
		to = MaxGeoTime
	}
	return from, to
}

// PointOf returns the s2 point at lat lng.
func PointOf(lat, lng float64) s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lng))
}
