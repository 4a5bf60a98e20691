package store

import "strconv"

// Message is one observation from one source device for one PGN.
// Within a PgnEntry, the pair (Src, SecondaryKey/HasKey) is unique.
type Message struct {
	Src          uint8
	HasKey       bool
	SecondaryKey string
	ExpiresAt    int64 // wall-clock seconds
	Text         string
}

func (m *Message) sameKey(src uint8, hasKey bool, key string) bool {
	if m.Src != src || m.HasKey != hasKey {
		return false
	}
	return !hasKey || m.SecondaryKey == key
}

func (m *Message) expired(now int64) bool {
	return m.ExpiresAt < now
}

// PgnEntry holds all known observations for one PGN. Messages
// grows with append (amortized doubling); its length is the maxSrc
// bound for the entry, i.e. it includes expired-but-reusable slots.
type PgnEntry struct {
	Prn         uint32
	Description string
	Messages    []Message
}

// label builds the snapshot object key for one message: "<src>" or
// "<src>_<secondaryKey>".
func (m *Message) label() string {
	src := strconv.FormatUint(uint64(m.Src), 10)
	if !m.HasKey {
		return src
	}
	return src + "_" + m.SecondaryKey
}
