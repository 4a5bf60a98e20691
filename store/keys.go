package store

import "time"

// ExpiryClass selects how long a Message stays live after its observation
// time.
type ExpiryClass int

const (
	// ExpirySensor is the default class: ordinary instance/reference keyed
	// PGNs that are retransmitted frequently on the bus.
	ExpirySensor ExpiryClass = iota
	// ExpiryAIS covers AIS targets, which are seen far less often.
	ExpiryAIS
	// ExpirySonichub covers SonicHub PGN 130816, which is effectively
	// permanent configuration state.
	ExpirySonichub
)

const (
	sensorTimeout   = 120 * time.Second
	aisTimeout      = 3600 * time.Second
	sonichubTimeout = 31 * 24 * time.Hour
)

// Seconds returns the expiry window for the class, in whole seconds, the
// unit Message.ExpiresAt is expressed in.
func (c ExpiryClass) Seconds() int64 {
	switch c {
	case ExpiryAIS:
		return int64(aisTimeout / time.Second)
	case ExpirySonichub:
		return int64(sonichubTimeout / time.Second)
	default:
		return int64(sensorTimeout / time.Second)
	}
}

// SecondaryKeyField is one entry of the recognized secondary-key field
// table. Name is the literal JSON field name as it appears in an
// input line (e.g. `"Instance"`); Class is the expiry class that applies
// when this field supplies the secondary key.
type SecondaryKeyField struct {
	Name  string
	Class ExpiryClass
}

// SecondaryKeyFields is the recognized secondary-key table, in match
// priority order. inputline.Parser walks this table looking for the first
// field name present in a line.
var SecondaryKeyFields = []SecondaryKeyField{
	{Name: "Instance", Class: ExpirySensor},
	{Name: "Reference", Class: ExpirySensor},
	{Name: "Message ID", Class: ExpiryAIS},
	{Name: "User ID", Class: ExpiryAIS},
	{Name: "Proprietary ID", Class: ExpirySensor},
}

// pgnExpiryOverride holds the two PGN-specific expiry overrides applied
// after secondary-key lookup: 126996 always uses the AIS class,
// 130816 always uses the SonicHub class, regardless of which (if any)
// secondary-key field matched.
var pgnExpiryOverride = map[uint32]ExpiryClass{
	126996: ExpiryAIS,
	130816: ExpirySonichub,
}

// ResolveExpiry applies the PGN-specific overrides on top of the class
// determined by secondary-key matching. matched/hadMatch describe the
// result of the record parser's walk over SecondaryKeyFields; when no
// field matched, the default class is ExpirySensor.
func ResolveExpiry(prn uint32, matched ExpiryClass, hadMatch bool) ExpiryClass {
	if override, ok := pgnExpiryOverride[prn]; ok {
		return override
	}
	if hadMatch {
		return matched
	}
	return ExpirySensor
}
