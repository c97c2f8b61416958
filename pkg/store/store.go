// Package store keeps focus history and the last good focus position in bbolt.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"observatory/pkg/focus"
)

const (
	runsBucket        = "focus_runs"
	correctionsBucket = "focus_corrections"
	positionsBucket   = "focus_positions"

	defaultMaxHistory = 500
)

var ErrNotFound = errors.New("not found")

// Position is the last position a startup focus run converged to.
type Position struct {
	Filter   string    `json:"filter"`
	Position int       `json:"position"`
	FWHM     float64   `json:"fwhm"`
	Time     time.Time `json:"time"`
}

type Store struct {
	db         *bolt.DB
	logger     log.FieldLogger
	maxHistory int
}

// Open opens or creates the database file at path.
func Open(path string, logger log.FieldLogger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and creates the buckets if they are missing.
func New(db *bolt.DB, logger log.FieldLogger) (*Store, error) {
	s := &Store{
		db:         db,
		logger:     logger.WithField("component", "store"),
		maxHistory: defaultMaxHistory,
	}
	if err := s.setDefaults(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) setDefaults() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{runsBucket, correctionsBucket, positionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResult appends a focus run to the history. A converged run also
// becomes the last good position for its filter.
func (s *Store) SaveResult(res focus.Result) error {
	value, err := json.Marshal(res)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := appendValue(tx.Bucket([]byte(runsBucket)), value, s.maxHistory); err != nil {
			return err
		}
		if res.Outcome != focus.OutcomeConverged {
			return nil
		}

		pos, _ := json.Marshal(Position{
			Filter:   res.Filter,
			Position: res.FinalPosition,
			FWHM:     res.FWHM,
			Time:     res.Finished,
		})
		return tx.Bucket([]byte(positionsBucket)).Put([]byte(res.Filter), pos)
	})
}

func (s *Store) SaveCorrection(c focus.Correction) error {
	value, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendValue(tx.Bucket([]byte(correctionsBucket)), value, s.maxHistory)
	})
}

// History returns up to limit focus runs, newest first. A limit of zero
// returns all of them.
func (s *Store) History(limit int) ([]focus.Result, error) {
	var out []focus.Result
	err := s.db.View(func(tx *bolt.Tx) error {
		return eachNewest(tx.Bucket([]byte(runsBucket)), limit, func(v []byte) error {
			var res focus.Result
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			out = append(out, res)
			return nil
		})
	})
	return out, err
}

func (s *Store) Corrections(limit int) ([]focus.Correction, error) {
	var out []focus.Correction
	err := s.db.View(func(tx *bolt.Tx) error {
		return eachNewest(tx.Bucket([]byte(correctionsBucket)), limit, func(v []byte) error {
			var c focus.Correction
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// LastGoodPosition returns the last converged position for a filter.
func (s *Store) LastGoodPosition(filter string) (Position, error) {
	var pos Position
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(positionsBucket)).Get([]byte(filter))
		if value == nil {
			return fmt.Errorf("position for filter %q: %w", filter, ErrNotFound)
		}
		return json.Unmarshal(value, &pos)
	})
	return pos, err
}

// FocusSample, FocusResult and FocusCorrection make the store a focus.Observer.
func (s *Store) FocusSample(focus.Sample) {}

func (s *Store) FocusResult(res focus.Result) {
	if err := s.SaveResult(res); err != nil {
		s.logger.Errorf("Error saving focus result: %v", err)
	}
}

func (s *Store) FocusCorrection(c focus.Correction) {
	if err := s.SaveCorrection(c); err != nil {
		s.logger.Errorf("Error saving focus correction: %v", err)
	}
}

func appendValue(b *bolt.Bucket, value []byte, keep int) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	if err := b.Put(itob(seq), value); err != nil {
		return err
	}
	if keep <= 0 || seq <= uint64(keep) {
		return nil
	}

	// drop entries older than the last keep sequence numbers
	oldest := itob(seq - uint64(keep) + 1)
	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytes.Compare(k, oldest) < 0; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func eachNewest(b *bolt.Bucket, limit int, fn func([]byte) error) error {
	c := b.Cursor()
	n := 0
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if limit > 0 && n >= limit {
			break
		}
		if err := fn(v); err != nil {
			return err
		}
		n++
	}
	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
