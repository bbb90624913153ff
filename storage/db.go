package storage

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/golang/geo/s2"
	"github.com/pkg/errors"

	"github.com/waterlogged/waterlogged/payload"
	"github.com/waterlogged/waterlogged/rainfall"
)

const Prefix = "WL"

// ErrNotFound is returned when a node or a reading does not exist.
var ErrNotFound = errors.New("not found")

// Store persists decoded readings and the location of the nodes.
type Store interface {
	StoreReading(r Record) error
	Latest(nodeID int) (*Record, error)
	Readings(nodeID int, from, to time.Time, limit int) ([]Record, error)
	Aggregates(nodeID int, i rainfall.Interval, from, to time.Time) ([]rainfall.Bucket, error)
	NodeIDs() ([]int, error)

	StoreNode(n Node) error
	Node(id int) (*Node, error)
	Nodes() ([]Node, error)
	RadiusSearch(lat, lng, radius float64) ([]Node, error)
	RectSearch(urlat, urlng, bllat, bllng float64) ([]Node, error)

	Close() error
}

// Record is a stored reading.
type Record struct {
	NodeID   int             `json:"node_id"`
	DeviceID string          `json:"device_id,omitempty"`
	Via      string          `json:"via,omitempty"`
	Time     time.Time       `json:"time"`
	Reading  payload.Reading `json:"reading"`
	Warnings []string        `json:"warnings"`
	Raw      []byte          `json:"raw,omitempty"`
}

// Point returns the record as an aggregation point.
func (r Record) Point() rainfall.Point {
	return rainfall.Point{
		Time:         r.Time,
		RainfallIn:   r.Reading.RainfallIn,
		TemperatureF: r.Reading.TemperatureF,
		HumidityPct:  r.Reading.HumidityPct,
	}
}

// Points converts records for aggregation.
func Points(recs []Record) []rainfall.Point {
	res := make([]rainfall.Point, len(recs))
	for i, r := range recs {
		res[i] = r.Point()
	}
	return res
}

// Node is the last known position of a rain gauge.
type Node struct {
	ID        int       `json:"node_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadingKey returns the key of a reading Prefix+"R"+node+reverse ts,
// the most recent reading of a node sorts first.
func ReadingKey(nodeID int, t time.Time) []byte {
	rk := make([]byte, len(Prefix)+1+4+8)
	copy(rk, Prefix+"R")
	binary.BigEndian.PutUint32(rk[len(Prefix)+1:], uint32(nodeID))
	copy(rk[len(Prefix)+1+4:], int64tob(math.MaxInt64-t.UnixNano()))
	return rk
}

// ReadingPrefix returns the prefix shared by all the readings of a node.
func ReadingPrefix(nodeID int) []byte {
	rk := ReadingKey(nodeID, MinGeoTime)
	return rk[:len(rk)-8]
}

// ReadReadingKey returns the node and time of a reading key.
func ReadReadingKey(rk []byte) (int, time.Time, error) {
	var t time.Time
	if len(rk) != len(Prefix)+1+4+8 {
		return 0, t, errors.New("invalid reading key length")
	}
	buf := bytes.NewBuffer(rk[len(Prefix)+1:])

	var node uint32
	if err := binary.Read(buf, binary.BigEndian, &node); err != nil {
		return 0, t, err
	}

	var ts int64
	if err := binary.Read(buf, binary.BigEndian, &ts); err != nil {
		return 0, t, err
	}
	// reverse ts back
	t = time.Unix(0, math.MaxInt64-ts).UTC()

	return int(node), t, nil
}

// NodeKey returns the key holding a node Prefix+"N"+node.
func NodeKey(nodeID int) []byte {
	nk := make([]byte, len(Prefix)+1+4)
	copy(nk, Prefix+"N")
	binary.BigEndian.PutUint32(nk[len(Prefix)+1:], uint32(nodeID))
	return nk
}

// PointKey returns the geo index key of a node Prefix+"G"+cellid+node.
func PointKey(lat, lng float64, nodeID int) []byte {
	c := s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lng))
	gk := make([]byte, len(Prefix)+1+8+4)
	copy(gk, Prefix+"G")
	copy(gk[len(Prefix)+1:], itob(uint64(c)))
	binary.BigEndian.PutUint32(gk[len(Prefix)+1+8:], uint32(nodeID))
	return gk
}

// ReadPointKey returns cell, node
func ReadPointKey(pk []byte) (s2.CellID, int, error) {
	var c s2.CellID
	if len(pk) != len(Prefix)+1+8+4 {
		return c, 0, errors.New("invalid point key length")
	}
	buf := bytes.NewBuffer(pk[len(Prefix)+1:])

	// read back cell
	if err := binary.Read(buf, binary.BigEndian, &c); err != nil {
		return c, 0, err
	}

	var node uint32
	if err := binary.Read(buf, binary.BigEndian, &node); err != nil {
		return c, 0, err
	}
	return c, int(node), nil
}

// CellRangeKeys returns the first and last geo keys covered by c.
func CellRangeKeys(c s2.CellID) ([]byte, []byte) {
	start := make([]byte, len(Prefix)+1+8)
	copy(start, Prefix+"G")
	copy(start[len(Prefix)+1:], Uint64tob(uint64(c.RangeMin())))
	// the stop key includes any node on the last leaf
	stop := make([]byte, len(Prefix)+1+8+4)
	copy(stop, Prefix+"G")
	copy(stop[len(Prefix)+1:], Uint64tob(uint64(c.RangeMax())))
	copy(stop[len(Prefix)+1+8:], []byte{0xFF, 0xFF, 0xFF, 0xFF})
	return start, stop
}

// ListKey returns the key used to list the nodes with readings Prefix+"L"+node.
func ListKey(nodeID int) []byte {
	lk := make([]byte, len(Prefix)+1+4)
	copy(lk, Prefix+"L")
	binary.BigEndian.PutUint32(lk[len(Prefix)+1:], uint32(nodeID))
	return lk
}

// ReadListKey returns the node of a list key.
func ReadListKey(lk []byte) (int, error) {
	if len(lk) != len(Prefix)+1+4 {
		return 0, errors.New("invalid list key length")
	}
	return int(binary.BigEndian.Uint32(lk[len(Prefix)+1:])), nil
}
