// Package journal persists the broadcast event stream to a Pebble store as
// an append-only audit log. It subscribes to the dispatcher like any stream
// client; losing it never blocks matching.
package journal

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// keys: e:<8-byte-big-endian-seq>
var eventPrefix = []byte("e:")

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}

type Journal struct {
	db   *pebble.DB
	next atomic.Uint64
}

func Open(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}

	// Resume the sequence after the last persisted event.
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: eventPrefix,
		UpperBound: keyUpperBound(eventPrefix),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if iter.Last() && iter.Valid() {
		last := binary.BigEndian.Uint64(iter.Key()[len(eventPrefix):])
		j.next.Store(last + 1)
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) ID() string { return "journal" }

// Send appends one event frame. Implements the dispatcher's subscriber
// contract; an error here drops the journal from the fan-out.
func (j *Journal) Send(frame []byte) error {
	seq := j.next.Add(1) - 1
	val := make([]byte, len(frame))
	copy(val, frame)
	return j.db.Set(eventKey(seq), val, pebble.NoSync)
}

// Replay streams every persisted frame in append order. Stops early if fn
// returns false.
func (j *Journal) Replay(fn func(seq uint64, frame []byte) bool) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventPrefix,
		UpperBound: keyUpperBound(eventPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key()[len(eventPrefix):])
		if !fn(seq, iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// Len counts persisted frames.
func (j *Journal) Len() (int, error) {
	n := 0
	err := j.Replay(func(uint64, []byte) bool {
		n++
		return true
	})
	return n, err
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
