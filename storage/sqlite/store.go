// Package sqlite is a storage.Store on top of sqlite, it keeps the schema
// used by the Raspberry Pi base station.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// sqlite driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/waterlogged/waterlogged/rainfall"
	"github.com/waterlogged/waterlogged/storage"
)

// fixed width so timestamps compare as text
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS raw_measurements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id INTEGER NOT NULL,
	device_id TEXT,
	via TEXT,
	ts TEXT NOT NULL,
	weight_g REAL,
	rainfall_in REAL,
	temperature_f REAL,
	humidity_pct REAL,
	decoded_at TEXT,
	warnings TEXT,
	raw BLOB
);
CREATE INDEX IF NOT EXISTS idx_raw_node_ts ON raw_measurements (node_id, ts);
CREATE TABLE IF NOT EXISTS nodes (
	node_id INTEGER PRIMARY KEY,
	device_id TEXT,
	name TEXT,
	lat REAL NOT NULL,
	lng REAL NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is a storage.Store on top of a sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path, ":memory:" is accepted.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "can't open sqlite db")
	}
	// single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "can't ping sqlite db")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "can't create schema")
	}
	return &Store{db: db}, nil
}

func dsn(path string) string {
	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if path == ":memory:" {
		return "file::memory:?" + params[0]
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&")
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&"))
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

// StoreReading inserts r in raw_measurements.
func (s *Store) StoreReading(r storage.Record) error {
	w := r.Warnings
	if w == nil {
		w = []string{}
	}
	wb, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO raw_measurements
		(node_id, device_id, via, ts, weight_g, rainfall_in, temperature_f, humidity_pct, decoded_at, warnings, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.NodeID, r.DeviceID, r.Via, formatTS(r.Time),
		r.Reading.WeightG, r.Reading.RainfallIn, r.Reading.TemperatureF, r.Reading.HumidityPct,
		formatTS(r.Reading.DecodedAt), string(wb), r.Raw,
	)
	return errors.Wrap(err, "can't insert measurement")
}

// Readings returns the readings of a node in [from, to], most recent first, up to limit if > 0.
func (s *Store) Readings(nodeID int, from, to time.Time, limit int) ([]storage.Record, error) {
	from, to = storage.Bounds(from, to)
	q := `SELECT node_id, device_id, via, ts, weight_g, rainfall_in, temperature_f, humidity_pct, decoded_at, warnings, raw
		FROM raw_measurements WHERE node_id = ? AND ts >= ? AND ts <= ? ORDER BY ts DESC`
	args := []interface{}{nodeID, formatTS(from), formatTS(to)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "can't query measurements")
	}
	defer rows.Close()

	res := []storage.Record{}
	for rows.Next() {
		var (
			r              storage.Record
			device, via, w sql.NullString
			ts, decodedAt  string
			raw            []byte
		)
		err := rows.Scan(&r.NodeID, &device, &via, &ts,
			&r.Reading.WeightG, &r.Reading.RainfallIn, &r.Reading.TemperatureF, &r.Reading.HumidityPct,
			&decodedAt, &w, &raw)
		if err != nil {
			return nil, errors.Wrap(err, "can't scan measurement")
		}
		r.DeviceID, r.Via, r.Raw = device.String, via.String, raw
		r.Reading.NodeID = r.NodeID
		if r.Time, err = parseTS(ts); err != nil {
			return nil, err
		}
		if r.Reading.DecodedAt, err = parseTS(decodedAt); err != nil {
			return nil, err
		}
		r.Warnings = []string{}
		if w.Valid && w.String != "" {
			if err := json.Unmarshal([]byte(w.String), &r.Warnings); err != nil {
				return nil, errors.Wrap(err, "can't decode warnings")
			}
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// Latest returns the most recent reading of a node.
func (s *Store) Latest(nodeID int) (*storage.Record, error) {
	res, err := s.Readings(nodeID, time.Time{}, time.Time{}, 1)
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, storage.ErrNotFound
	}
	return &res[0], nil
}

var bucketFormats = map[rainfall.Interval]string{
	rainfall.Hour: "%Y-%m-%dT%H:00:00Z",
	rainfall.Day:  "%Y-%m-%dT00:00:00Z",
}

// Aggregates buckets the readings of a node by UTC interval, hours and days are grouped by sqlite.
func (s *Store) Aggregates(nodeID int, i rainfall.Interval, from, to time.Time) ([]rainfall.Bucket, error) {
	format, ok := bucketFormats[i]
	if !ok {
		recs, err := s.Readings(nodeID, from, to, 0)
		if err != nil {
			return nil, err
		}
		return rainfall.Aggregate(storage.Points(recs), i, time.UTC), nil
	}

	from, to = storage.Bounds(from, to)
	rows, err := s.db.Query(`SELECT strftime(?, ts) AS bucket,
			SUM(rainfall_in), SUM(temperature_f), SUM(humidity_pct), COUNT(*)
		FROM raw_measurements WHERE node_id = ? AND ts >= ? AND ts <= ?
		GROUP BY bucket ORDER BY bucket`,
		format, nodeID, formatTS(from), formatTS(to))
	if err != nil {
		return nil, errors.Wrap(err, "can't aggregate measurements")
	}
	defer rows.Close()

	res := []rainfall.Bucket{}
	for rows.Next() {
		var (
			bucket          string
			rain, temp, hum float64
			count           int
		)
		if err := rows.Scan(&bucket, &rain, &temp, &hum, &count); err != nil {
			return nil, errors.Wrap(err, "can't scan aggregate")
		}
		start, err := time.Parse(time.RFC3339, bucket)
		if err != nil {
			return nil, err
		}
		res = append(res, rainfall.Summarize(start, i, rain, temp, hum, count))
	}
	return res, rows.Err()
}

// NodeIDs lists the nodes having readings.
func (s *Store) NodeIDs() ([]int, error) {
	rows, err := s.db.Query(`SELECT DISTINCT node_id FROM raw_measurements ORDER BY node_id`)
	if err != nil {
		return nil, errors.Wrap(err, "can't list nodes")
	}
	defer rows.Close()

	res := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// StoreNode inserts or replaces n.
func (s *Store) StoreNode(n storage.Node) error {
	_, err := s.db.Exec(`INSERT INTO nodes (node_id, device_id, name, lat, lng, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			device_id = excluded.device_id, name = excluded.name,
			lat = excluded.lat, lng = excluded.lng, updated_at = excluded.updated_at`,
		n.ID, n.DeviceID, n.Name, n.Lat, n.Lng, formatTS(n.UpdatedAt))
	return errors.Wrap(err, "can't store node")
}

func scanNode(sc interface{ Scan(...interface{}) error }) (storage.Node, error) {
	var (
		n            storage.Node
		device, name sql.NullString
		updated      string
	)
	if err := sc.Scan(&n.ID, &device, &name, &n.Lat, &n.Lng, &updated); err != nil {
		return n, err
	}
	n.DeviceID, n.Name = device.String, name.String
	t, err := parseTS(updated)
	if err != nil {
		return n, err
	}
	n.UpdatedAt = t
	return n, nil
}

// Node returns the node id.
func (s *Store) Node(id int) (*storage.Node, error) {
	row := s.db.QueryRow(`SELECT node_id, device_id, name, lat, lng, updated_at FROM nodes WHERE node_id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "can't get node")
	}
	return &n, nil
}

// Nodes lists all the located nodes.
func (s *Store) Nodes() ([]storage.Node, error) {
	rows, err := s.db.Query(`SELECT node_id, device_id, name, lat, lng, updated_at FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, errors.Wrap(err, "can't list nodes")
	}
	defer rows.Close()

	res := []storage.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// RadiusSearch returns the nodes within radius meters of lat lng.
func (s *Store) RadiusSearch(lat, lng, radius float64) ([]storage.Node, error) {
	acap := storage.RadiusCap(lat, lng, radius)
	return s.filterNodes(func(n storage.Node) bool {
		return acap.ContainsPoint(storage.PointOf(n.Lat, n.Lng))
	})
}

// RectSearch returns the nodes contained in the rect.
func (s *Store) RectSearch(urlat, urlng, bllat, bllng float64) ([]storage.Node, error) {
	rect := storage.RectRegion(urlat, urlng, bllat, bllng)
	return s.filterNodes(func(n storage.Node) bool {
		return rect.ContainsPoint(storage.PointOf(n.Lat, n.Lng))
	})
}

// the node table is small, a full scan is enough
func (s *Store) filterNodes(keep func(storage.Node) bool) ([]storage.Node, error) {
	all, err := s.Nodes()
	if err != nil {
		return nil, err
	}
	res := []storage.Node{}
	for _, n := range all {
		if keep(n) {
			res = append(res, n)
		}
	}
	return res, nil
}

var _ storage.Store = (*Store)(nil)
