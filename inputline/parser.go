// Package inputline implements the record parser: a byte-fed line
// accumulator that extracts src/dst/prn/description/secondary-key from
// one JSON input line by substring scanning rather than a full JSON
// decode, keeping malformed input on the silent-drop path.
package inputline

import (
	"strconv"
	"strings"

	"github.com/aldas/n2k-aggregator/store"
)

// MaxLineLen is the line buffer size: lines longer than
// this lose their tail but still terminate on the next newline.
const MaxLineLen = 4096

// Parser is a single owned 4096-byte line accumulator. It is not safe for
// concurrent use; the fan-out engine feeds it one byte at a time from
// exactly one execution context.
type Parser struct {
	buf [MaxLineLen]byte
	len int
}

// New returns an empty Parser.
func New() *Parser {
	return &Parser{}
}

// Feed processes one input byte. It returns a ready-to-insert Record and
// true once a newline completes a well-formed line; otherwise it returns
// false, having either buffered the byte or silently dropped a malformed
// or incomplete line.
func (p *Parser) Feed(c byte) (store.Record, bool) {
	if c != '\n' {
		if p.len < len(p.buf) {
			p.buf[p.len] = c
			p.len++
		}
		// Buffer full and still no newline: the overflow byte is dropped
		// and the line's tail is lost, but we keep accumulating state
		// (none left to accumulate) until the producer's next '\n'.
		return store.Record{}, false
	}

	line := string(p.buf[:p.len])
	p.len = 0
	return parseLine(line)
}

func parseLine(line string) (store.Record, bool) {
	if !strings.Contains(line, `"fields":`) {
		return store.Record{}, false
	}
	if !strings.HasPrefix(line, `{"timestamp`) {
		return store.Record{}, false
	}
	if !strings.HasSuffix(line, "}}") {
		return store.Record{}, false
	}

	src, prn, ok := extractHeader(line)
	if !ok || src == 0 || prn == 0 {
		return store.Record{}, false
	}
	// The "reject if prn > 131000" rule is relaxed for the Actisense
	// extension band: the store's dense index addresses that band, and
	// rejecting it here unconditionally would make that part of the
	// store permanently dead code.
	if prn > 131000 && !store.InRange(prn) {
		return store.Record{}, false
	}

	rec := store.Record{
		Prn:         prn,
		Src:         uint8(src),
		Text:        line,
		Description: extractDescription(line),
	}
	if key, class, found := extractSecondaryKey(line); found {
		rec.HasSecondaryKey = true
		rec.SecondaryKey = key
		rec.MatchedClass = class
	}
	return rec, true
}

// extractHeader locates `"src":` and reads the `%u","dst":"%u","pgn":"%u"`
// triplet that follows it, with plain marker-and-digit-run scanning
// rather than a format-string scanner.
func extractHeader(line string) (src, prn uint32, ok bool) {
	const srcMarker = `"src":"`
	i := strings.Index(line, srcMarker)
	if i < 0 {
		return 0, 0, false
	}
	rest := line[i+len(srcMarker):]

	src, rest, ok = takeUint32(rest)
	if !ok || !strings.HasPrefix(rest, `","dst":"`) {
		return 0, 0, false
	}
	rest = rest[len(`","dst":"`):]

	_, rest, ok = takeUint32(rest) // dst is parsed but not retained by the store
	if !ok || !strings.HasPrefix(rest, `","pgn":"`) {
		return 0, 0, false
	}
	rest = rest[len(`","pgn":"`):]

	prn, _, ok = takeUint32(rest)
	if !ok {
		return 0, 0, false
	}
	return src, prn, true
}

func takeUint32(s string) (uint32, string, bool) {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, s, false
	}
	v, err := strconv.ParseUint(s[:n], 10, 32)
	if err != nil {
		return 0, s, false
	}
	return uint32(v), s[n:], true
}

// extractDescription returns the value of the first `"description":"..."`
// field, or "" if none is present.
func extractDescription(line string) string {
	const marker = `"description":"`
	i := strings.Index(line, marker)
	if i < 0 {
		return ""
	}
	rest := line[i+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// extractSecondaryKey walks store.SecondaryKeyFields in priority order and
// returns the textual value of the first recognized field present in the
// line, read up to the first space or double quote.
func extractSecondaryKey(line string) (value string, class store.ExpiryClass, found bool) {
	for _, f := range store.SecondaryKeyFields {
		marker := `"` + f.Name + `":`
		i := strings.Index(line, marker)
		if i < 0 {
			continue
		}
		rest := strings.TrimLeft(line[i+len(marker):], `": `)

		end := len(rest)
		if sp := strings.IndexByte(rest, ' '); sp >= 0 && sp < end {
			end = sp
		}
		if q := strings.IndexByte(rest, '"'); q >= 0 && q < end {
			end = q
		}
		return rest[:end], f.Class, true
	}
	return "", 0, false
}
