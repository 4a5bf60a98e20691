// Package store implements the PGN-indexed latest-value store:
// one Message per (PGN, source, secondary-key) triple, with
// per-class expiry and geometric-growth snapshot serialization.
package store

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	minPGN         = 59391
	maxPGN         = 131000
	actisenseBase  = 0x400000
	actisenseRange = 0x100
	// pgnSpace is the dense index's virtual address range:
	// actisenseRange + maxPGN - minPGN. The Actisense band's own index
	// formula (prn - actisenseBase) overlaps the low end of the regular
	// band's index space; clients depend on the literal transformation,
	// so the overlap stays.
	pgnSpace = actisenseRange + maxPGN - minPGN

	// maxPGNList bounds the secondary ordered list.
	maxPGNList = 512
)

// ErrTooManyPGNs is returned when the ordered PGN list is already full;
// this is a fatal condition for the caller.
var ErrTooManyPGNs = errors.New("store: too many distinct PGNs seen")

// ErrPGNOutOfRange is returned for a PGN outside the addressable dense
// index (neither the normal band nor the Actisense extension band).
var ErrPGNOutOfRange = errors.New("store: pgn out of supported range")

// Idx maps a PGN number to its dense-index slot:
//
//	idx(prn) = prn - 59391              for prn <= 131000
//	idx(prn) = prn - 0x400000           for prn in [0x400000, 0x400100)
//
// Any other PGN is rejected.
func Idx(prn uint32) (int, bool) {
	if prn <= maxPGN {
		if prn < minPGN {
			return 0, false
		}
		return int(prn - minPGN), true
	}
	if prn >= actisenseBase && prn < actisenseBase+actisenseRange {
		return int(prn - actisenseBase), true
	}
	return 0, false
}

// InRange reports whether prn falls in the normal PGN band or the
// Actisense extension band — used by inputline.Parser to decide whether a
// PGN above 131000 should still be accepted.
func InRange(prn uint32) bool {
	_, ok := Idx(prn)
	return ok
}

// Record is one parsed observation, ready for Store.Insert.
type Record struct {
	Prn             uint32
	Src             uint8
	HasSecondaryKey bool
	SecondaryKey    string
	Description     string // only used if this is the PGN's first observation
	Text            string
	// MatchedClass is the expiry class of the secondary-key field that
	// matched, valid only when HasSecondaryKey is true.
	MatchedClass ExpiryClass
}

// Store is the PGN-indexed latest-value store. It is not safe for
// concurrent use: the fan-out engine is single-threaded and
// Store is always driven from that one execution context.
type Store struct {
	dense []*PgnEntry // len == pgnSpace, indexed by Idx(prn)
	order []*PgnEntry // first-observation order, len <= maxPGNList

	// LogFunc, when set, receives debug-level tracing (malformed/dropped
	// records are never routed here, only lifecycle events).
	LogFunc func(format string, a ...any)
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		dense: make([]*PgnEntry, pgnSpace),
		order: make([]*PgnEntry, 0, maxPGNList),
	}
}

func (s *Store) logf(format string, a ...any) {
	if s.LogFunc != nil {
		s.LogFunc(format, a...)
	}
}

// Insert applies one observation to the store. now is the
// current wall-clock time in seconds.
func (s *Store) Insert(rec Record, now int64) error {
	idx, ok := Idx(rec.Prn)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPGNOutOfRange, rec.Prn)
	}

	entry := s.dense[idx]
	if entry == nil {
		if len(s.order) >= maxPGNList {
			return fmt.Errorf("%w: limit is %d", ErrTooManyPGNs, maxPGNList)
		}
		entry = &PgnEntry{Prn: rec.Prn}
		s.dense[idx] = entry
		s.order = append(s.order, entry)
		s.logf("store: new pgn %d\n", rec.Prn)
	}

	if entry.Description == "" && rec.Description != "" {
		entry.Description = rec.Description
	}

	expiry := ResolveExpiry(rec.Prn, rec.MatchedClass, rec.HasSecondaryKey)
	expiresAt := now + expiry.Seconds()

	slot := entry.findSlot(rec.Src, rec.HasSecondaryKey, rec.SecondaryKey, now)
	if slot == nil {
		entry.Messages = append(entry.Messages, Message{
			Src:          rec.Src,
			HasKey:       rec.HasSecondaryKey,
			SecondaryKey: rec.SecondaryKey,
		})
		slot = &entry.Messages[len(entry.Messages)-1]
	}
	slot.Src = rec.Src
	slot.HasKey = rec.HasSecondaryKey
	slot.SecondaryKey = rec.SecondaryKey
	slot.Text = rec.Text
	slot.ExpiresAt = expiresAt
	return nil
}

// findSlot picks the insertion target: prefer an exact (src, key) match,
// then an expired slot to repurpose, and only grow if neither exists.
func (e *PgnEntry) findSlot(src uint8, hasKey bool, key string, now int64) *Message {
	for i := range e.Messages {
		if e.Messages[i].sameKey(src, hasKey, key) {
			return &e.Messages[i]
		}
	}
	for i := range e.Messages {
		if e.Messages[i].expired(now) {
			return &e.Messages[i]
		}
	}
	return nil
}

// ForEach iterates live PgnEntry references in first-observation order.
func (s *Store) ForEach(fn func(*PgnEntry)) {
	for _, e := range s.order {
		fn(e)
	}
}

// Snapshot renders the current non-expired store contents as one JSON
// object. The separator byte is threaded through the loop by hand
// instead of calling json.Marshal, because existing consumers depend on
// the exact wire shape (leading-comma continuation lines).
func (s *Store) Snapshot(now int64) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8*1024))
	separator := byte('{')
	for _, e := range s.order {
		fmt.Fprintf(buf, "%c\"%d\":\n  {\"description\":\"%s\"\n", separator, e.Prn, e.Description)
		for i := range e.Messages {
			m := &e.Messages[i]
			if m.expired(now) {
				continue
			}
			fmt.Fprintf(buf, "  ,\"%s\":%s\n", m.label(), m.Text)
		}
		buf.WriteString("  }\n")
		separator = ','
	}
	if separator == ',' {
		buf.WriteString("}\n")
	} else {
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// PGNCount returns the number of distinct PGNs currently tracked
// (used by the metrics package).
func (s *Store) PGNCount() int {
	return len(s.order)
}

// LiveMessageCount returns the number of non-expired messages across all
// tracked PGNs as of now (used by the metrics package).
func (s *Store) LiveMessageCount(now int64) int {
	n := 0
	for _, e := range s.order {
		for i := range e.Messages {
			if !e.Messages[i].expired(now) {
				n++
			}
		}
	}
	return n
}
