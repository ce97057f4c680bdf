// Package states reads pf's connection-tracking table and renders it.
package states

import (
	"fmt"
	"time"

	"grimm.is/pfkit/internal/channel"
	"grimm.is/pfkit/internal/clock"
	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/metrics"
)

// RecordError is a record that could not be decoded. Its neighbours are
// still reported.
type RecordError struct {
	Index int
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("state %d: %v", e.Index, e.Err)
}

func (e RecordError) Unwrap() error {
	return e.Err
}

// Snapshot is one read of the state table.
type Snapshot struct {
	Entries []codec.StateEntry
	Errors  []RecordError
	Taken   time.Time
}

// Err joins the per-record failures, or returns nil when every record decoded.
func (s *Snapshot) Err() error {
	if len(s.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(s.Errors))
	for i, re := range s.Errors {
		errs[i] = re
	}
	return errors.Join(errs...)
}

// Get issues GetStates on r and decodes the reply.
func Get(r channel.Requester, c clock.Clock) (*Snapshot, error) {
	resp, err := r.Request(channel.StatesRequest())
	if err != nil {
		return nil, errors.Wrap(err, errors.GetKind(err), "get states")
	}
	snap, err := Decode(resp)
	if err != nil {
		return nil, err
	}
	snap.Taken = clock.Or(c).Now()
	return snap, nil
}

// Decode splits a GetStates reply into entries. A header that does not match
// the body is TruncatedBuffer and yields no entries at all; a bad record is
// kept in Errors and decoding continues with the next one.
func Decode(buf []byte) (*Snapshot, error) {
	n, body, err := codec.RecordTable(buf, codec.StateSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.GetKind(err), "decode state table")
	}

	snap := &Snapshot{Entries: make([]codec.StateEntry, 0, n)}
	for i := 0; i < n; i++ {
		rec := body[i*codec.StateSize : (i+1)*codec.StateSize]
		e, err := codec.DecodeStateEntry(rec)
		if err != nil {
			snap.Errors = append(snap.Errors, RecordError{Index: i, Err: err})
			continue
		}
		snap.Entries = append(snap.Entries, e)
	}
	return snap, nil
}

// Stats summarises the snapshot for the metrics collector.
func (s *Snapshot) Stats() metrics.StateStats {
	st := metrics.StateStats{
		Total:           len(s.Entries),
		ByProtocol:      make(map[string]int),
		BytesByProtocol: make(map[string]uint64),
		DecodeErrors:    len(s.Errors),
		Taken:           s.Taken,
	}
	for _, e := range s.Entries {
		p := e.Protocol.String()
		st.ByProtocol[p]++
		st.BytesByProtocol[p] += e.Bytes[0] + e.Bytes[1]
	}
	return st
}

// Source adapts Get to a metrics.StateSource.
func Source(r channel.Requester, c clock.Clock) metrics.StateSource {
	return func() (metrics.StateStats, error) {
		snap, err := Get(r, c)
		if err != nil {
			return metrics.StateStats{}, err
		}
		return snap.Stats(), nil
	}
}
