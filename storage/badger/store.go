package badger

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/golang/geo/s2"
	"github.com/pkg/errors"

	"github.com/waterlogged/waterlogged/rainfall"
	"github.com/waterlogged/waterlogged/storage"
)

// Store is a storage.Store on top of badger.
type Store struct {
	*badger.DB
}

// StoreReading stores r and marks its node as having readings.
func (s *Store) StoreReading(r storage.Record) error {
	v, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "can't encode record")
	}

	return s.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(storage.ReadingKey(r.NodeID, r.Time), v)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(storage.ListKey(r.NodeID), nil))
	})
}

// Readings returns the readings of a node in [from, to], most recent first, up to limit if > 0.
func (s *Store) Readings(nodeID int, from, to time.Time, limit int) ([]storage.Record, error) {
	from, to = storage.Bounds(from, to)
	res := []storage.Record{}
	err := s.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		if limit > 0 && limit < opts.PrefetchSize {
			opts.PrefetchSize = limit
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := storage.ReadingPrefix(nodeID)
		for it.Seek(storage.ReadingKey(nodeID, to)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(res) >= limit {
				break
			}
			item := it.Item()
			_, t, err := storage.ReadReadingKey(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			if t.Before(from) {
				break
			}

			var r storage.Record
			err = item.Value(func(v []byte) error {
				return json.Unmarshal(v, &r)
			})
			if err != nil {
				return errors.Wrap(err, "can't decode record")
			}
			res = append(res, r)
		}
		return nil
	})
	return res, err
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

// Aggregates buckets the readings of a node in [from, to] by UTC interval.
func (s *Store) Aggregates(nodeID int, i rainfall.Interval, from, to time.Time) ([]rainfall.Bucket, error) {
	recs, err := s.Readings(nodeID, from, to, 0)
	if err != nil {
		return nil, err
	}
	return rainfall.Aggregate(storage.Points(recs), i, time.UTC), nil
}

// NodeIDs lists the nodes having readings.
func (s *Store) NodeIDs() ([]int, error) {
	res := []int{}
	err := s.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(storage.Prefix + "L")

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := storage.ReadListKey(it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			res = append(res, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// StoreNode stores n and moves its geo index entry, a node has exactly one position.
func (s *Store) StoreNode(n storage.Node) error {
	v, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "can't encode node")
	}

	return s.Update(func(txn *badger.Txn) error {
		nk := storage.NodeKey(n.ID)

		prev, err := getNode(txn, n.ID)
		switch {
		case err == nil:
			// always delete the previous G entry
			if err := txn.Delete(storage.PointKey(prev.Lat, prev.Lng, prev.ID)); err != nil {
				return err
			}
		case err != storage.ErrNotFound:
			return err
		}

		if err := txn.SetEntry(badger.NewEntry(storage.PointKey(n.Lat, n.Lng, n.ID), v)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(nk, v))
	})
}

func getNode(txn *badger.Txn, id int) (*storage.Node, error) {
	item, err := txn.Get(storage.NodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var n storage.Node
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &n)
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't decode node")
	}
	return &n, nil
}

// Node returns the node id.
func (s *Store) Node(id int) (*storage.Node, error) {
	var n *storage.Node
	err := s.View(func(txn *badger.Txn) error {
		var err error
		n, err = getNode(txn, id)
		return err
	})
	return n, err
}

// Nodes lists all the located nodes.
func (s *Store) Nodes() ([]storage.Node, error) {
	res := []storage.Node{}
	err := s.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(storage.Prefix + "N")

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n storage.Node
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &n)
			})
			if err != nil {
				return errors.Wrap(err, "can't decode node")
			}
			res = append(res, n)
		}
		return nil
	})
	return res, err
}

// RectSearch returns the nodes contained in the rect.
func (s *Store) RectSearch(urlat, urlng, bllat, bllng float64) ([]storage.Node, error) {
	rect := storage.RectRegion(urlat, urlng, bllat, bllng)
	return s.regionSearch(rect)
}

// RadiusSearch returns the nodes within radius meters of lat lng.
func (s *Store) RadiusSearch(lat, lng, radius float64) ([]storage.Node, error) {
	acap := storage.RadiusCap(lat, lng, radius)
	return s.regionSearch(acap)
}

type containsRegion interface {
	s2.Region
	ContainsPoint(p s2.Point) bool
}

func (s *Store) regionSearch(region containsRegion) ([]storage.Node, error) {
	res := []storage.Node{}
	seen := make(map[int]bool)

	err := s.View(func(txn *badger.Txn) error {
		for _, c := range storage.Cover(region) {
			start, stop := storage.CellRangeKeys(c)

			it := txn.NewIterator(badger.DefaultIteratorOptions)
			for it.Seek(start); it.Valid(); it.Next() {
				item := it.Item()
				if bytes.Compare(item.Key(), stop) > 0 {
					break
				}
				c, id, err := storage.ReadPointKey(item.KeyCopy(nil))
				if err != nil {
					it.Close()
					return err
				}
				if seen[id] || !region.ContainsPoint(c.Point()) {
					continue
				}

				var n storage.Node
				err = item.Value(func(v []byte) error {
					return json.Unmarshal(v, &n)
				})
				if err != nil {
					it.Close()
					return errors.Wrap(err, "can't decode node")
				}
				seen[id] = true
				res = append(res, n)
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

var _ storage.Store = (*Store)(nil)
