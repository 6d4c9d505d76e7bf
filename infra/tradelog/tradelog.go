// Package tradelog persists executed trades in a pebble-backed outbox.
// The matching path never writes here directly; the engine's writer
// goroutine appends, and the broadcaster drains records through the
// NEW -> SENT -> ACKED state machine until they reach the bus.
package tradelog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

// Record is one persisted trade event plus its delivery state.
type Record struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][payload...]
func encodeRecord(r Record) []byte {
	buf := make([]byte, 1+4+8+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[13:], r.Payload)
	return buf
}

func decodeRecord(seq uint64, b []byte) (Record, error) {
	if len(b) < 13 {
		return Record{}, errors.New("invalid trade record length")
	}
	payload := make([]byte, len(b)-13)
	copy(payload, b[13:])
	return Record{
		Seq:         seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     payload,
	}, nil
}

// -------------------- Log --------------------

type Log struct {
	db   *pebble.DB
	next atomic.Uint64
}

func Open(dir string) (*Log, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // trades must survive a crash
	})
	if err != nil {
		return nil, errors.Wrap(err, "open tradelog")
	}

	l := &Log{db: db}
	last, err := l.lastSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.next.Store(last)
	return l, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// -------------------- API --------------------

// Append stores a new outbox entry and returns its sequence.
func (l *Log) Append(payload []byte) (uint64, error) {
	seq := l.next.Add(1)
	rec := Record{
		Seq:     seq,
		State:   StateNew,
		Payload: payload,
	}
	if err := l.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "append trade record")
	}
	return seq, nil
}

// UpdateState moves a record through the delivery state machine.
func (l *Log) UpdateState(seq uint64, state State, retries uint32) error {
	rec, err := l.Get(seq)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()
	return l.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// Delete removes ACKED records during cleanup.
func (l *Log) Delete(seq uint64) error {
	return l.db.Delete(keyFor(seq), pebble.Sync)
}

// Get returns the record for a sequence.
func (l *Log) Get(seq uint64) (Record, error) {
	val, closer, err := l.db.Get(keyFor(seq))
	if err != nil {
		return Record{}, errors.Wrapf(err, "get trade record %d", seq)
	}
	defer closer.Close()

	return decodeRecord(seq, val)
}

// -------------------- Scan --------------------

// ScanByState iterates all records in the given state in sequence order.
func (l *Log) ScanByState(state State, fn func(rec Record) error) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("trade/"),
		UpperBound: []byte("trade/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}

		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}

		if rec.State != state {
			continue
		}

		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// -------------------- Helpers --------------------

func (l *Log) lastSeq() (uint64, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("trade/"),
		UpperBound: []byte("trade/~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("trade/%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte("trade/"))), "%d", &seq)
	return seq, err
}
