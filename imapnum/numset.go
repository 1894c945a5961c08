// Package imapnum implements the IMAP sequence-set algebra: parsing,
// normalization, cropping, inversion and encoding of message number sets, for
// both message sequence numbers and UIDs.
//
// Two forms exist. Set is the parsed wire form, which may contain "*"
// (current last message) and "$" (saved search result); it cannot be
// interpreted without a mailbox. Ranges is the resolved, normalized form:
// disjoint ranges in ascending order, with adjacent and overlapping ranges
// merged.
package imapnum

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseError is returned for malformed sequence-set syntax. Text is the
// offending input.
type ParseError struct {
	Text string
	Msg  string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parsing number set %q: %s", e.Text, e.Msg)
}

// Num is a single endpoint in a parsed set: a non-zero number, or "*".
type Num struct {
	Number uint32
	Star   bool
}

// SetRange is a parsed range. If Last is nil, the range is the single number
// in First.
type SetRange struct {
	First Num
	Last  *Num
}

// Set is a parsed sequence set, before resolution against a mailbox.
type Set struct {
	SearchResult bool // "$", the saved search result.
	Ranges       []SetRange
}

func parseErrorf(s, format string, args ...any) error {
	return ParseError{s, fmt.Sprintf(format, args...)}
}

// Parse parses a sequence-set string. allowStar permits "*" endpoints,
// allowSearch permits the lone "$" form.
func Parse(s string, allowStar, allowSearch bool) (Set, error) {
	if s == "" {
		return Set{}, parseErrorf(s, "empty sequence set")
	}
	if s == "$" {
		if !allowSearch {
			return Set{}, parseErrorf(s, "saved search result not allowed here")
		}
		return Set{SearchResult: true}, nil
	}
	var r Set
	for _, elem := range strings.Split(s, ",") {
		sr, err := parseRange(elem, allowStar)
		if err != nil {
			return Set{}, err
		}
		r.Ranges = append(r.Ranges, sr)
	}
	return r, nil
}

func parseRange(s string, allowStar bool) (SetRange, error) {
	first, rest, err := parseNum(s, s, allowStar)
	if err != nil {
		return SetRange{}, err
	}
	if first.Star {
		// Lone "*" is the last message. "*:N" is not produced by reasonable
		// clients and its interpretation is ambiguous, reject it.
		if rest != "" {
			return SetRange{}, parseErrorf(s, "range must not start with *")
		}
		return SetRange{First: first}, nil
	}
	if rest == "" {
		return SetRange{First: first}, nil
	}
	if rest[0] != ':' {
		return SetRange{}, parseErrorf(s, "unexpected %q", rest)
	}
	last, rest, err := parseNum(rest[1:], s, allowStar)
	if err != nil {
		return SetRange{}, err
	}
	if rest != "" {
		return SetRange{}, parseErrorf(s, "unexpected %q after range", rest)
	}
	if !last.Star && last.Number < first.Number {
		return SetRange{}, parseErrorf(s, "non-ascending range")
	}
	return SetRange{First: first, Last: &last}, nil
}

func parseNum(s, orig string, allowStar bool) (Num, string, error) {
	if s == "" {
		return Num{}, "", parseErrorf(orig, "missing number")
	}
	if s[0] == '*' {
		if !allowStar {
			return Num{}, "", parseErrorf(orig, "* not allowed here")
		}
		return Num{Star: true}, s[1:], nil
	}
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 {
		return Num{}, "", parseErrorf(orig, "expected number, saw %q", s)
	}
	if s[0] == '0' {
		return Num{}, "", parseErrorf(orig, "leading zero or zero not allowed")
	}
	v, err := strconv.ParseUint(s[:n], 10, 32)
	if err != nil {
		return Num{}, "", parseErrorf(orig, "number out of range")
	}
	return Num{Number: uint32(v)}, s[n:], nil
}

// String returns the wire form of the parsed set.
func (s Set) String() string {
	if s.SearchResult {
		return "$"
	}
	var b strings.Builder
	for i, r := range s.Ranges {
		if i > 0 {
			b.WriteByte(',')
		}
		if r.First.Star {
			b.WriteByte('*')
		} else {
			fmt.Fprintf(&b, "%d", r.First.Number)
		}
		if r.Last != nil {
			b.WriteByte(':')
			if r.Last.Star {
				b.WriteByte('*')
			} else {
				fmt.Fprintf(&b, "%d", r.Last.Number)
			}
		}
	}
	return b.String()
}

// IsBasicIncreasing returns whether the set has no stars and consists of
// strictly increasing, non-overlapping ranges. QRESYNC requires this of the
// message sequence match data.
func (s Set) IsBasicIncreasing() bool {
	if s.SearchResult {
		return false
	}
	var last uint32
	for _, r := range s.Ranges {
		if r.First.Star || r.First.Number <= last {
			return false
		}
		last = r.First.Number
		if r.Last != nil {
			if r.Last.Star || r.Last.Number < r.First.Number {
				return false
			}
			last = r.Last.Number
		}
	}
	return true
}

// Iter returns a function iterating over the numbers of a star-free set, in
// the set's own order.
func (s Set) Iter() func() (uint32, bool) {
	ri := 0
	var cur uint32
	var active bool
	return func() (uint32, bool) {
		for {
			if active {
				r := s.Ranges[ri]
				if r.Last != nil && cur < r.Last.Number {
					cur++
					return cur, true
				}
				active = false
				ri++
			}
			if ri >= len(s.Ranges) {
				return 0, false
			}
			r := s.Ranges[ri]
			cur = r.First.Number
			active = true
			return cur, true
		}
	}
}

// Contains returns whether v is in the star-free set.
func (s Set) Contains(v uint32) bool {
	for _, r := range s.Ranges {
		first := r.First.Number
		last := first
		if r.Last != nil {
			last = r.Last.Number
		}
		if v >= first && v <= last {
			return true
		}
	}
	return false
}

// Resolve replaces "*" with last and returns the normalized form. For an
// empty mailbox, callers pass the mode-appropriate value for last: the
// message count (sequence mode, making "*" invalid, checked by the caller) or
// MaxUint32 (UID mode). A range with a number beyond last, like "500:*" on a
// mailbox whose last UID is 300, still covers the last message, so such
// ranges resolve to (min, max) of the pair.
func (s Set) Resolve(last uint32) Ranges {
	var rs Ranges
	for _, r := range s.Ranges {
		first := r.First.Number
		if r.First.Star {
			first = last
		}
		end := first
		if r.Last != nil {
			end = r.Last.Number
			if r.Last.Star {
				end = last
			}
		}
		if first > end {
			first, end = end, first
		}
		rs = rs.Add(first, end)
	}
	return rs
}

// MaxUID is the resolution value for "*" in UID mode on an empty mailbox.
const MaxUID = uint32(math.MaxUint32)

// Range is a resolved inclusive range.
type Range struct {
	First, Last uint32
}

// Ranges is the normalized form: disjoint, ascending, merged.
type Ranges []Range

// Add merges [first,last] into rs, maintaining normalization.
func (rs Ranges) Add(first, last uint32) Ranges {
	if first > last {
		first, last = last, first
	}
	// Find the first range that could touch the new one.
	i := 0
	for i < len(rs) && rs[i].Last < first && rs[i].Last+1 < first {
		i++
	}
	// Collect all ranges overlapping or adjacent, widen.
	j := i
	for j < len(rs) && (rs[j].First <= last || last+1 != 0 && rs[j].First == last+1) {
		if rs[j].First < first {
			first = rs[j].First
		}
		if rs[j].Last > last {
			last = rs[j].Last
		}
		j++
	}
	out := make(Ranges, 0, len(rs)-(j-i)+1)
	out = append(out, rs[:i]...)
	out = append(out, Range{first, last})
	out = append(out, rs[j:]...)
	return out
}

// Crop restricts rs to [lo,hi], trimming or dropping ranges outside.
func (rs Ranges) Crop(lo, hi uint32) Ranges {
	var out Ranges
	for _, r := range rs {
		if r.Last < lo || r.First > hi {
			continue
		}
		first, last := r.First, r.Last
		if first < lo {
			first = lo
		}
		if last > hi {
			last = hi
		}
		out = append(out, Range{first, last})
	}
	return out
}

// Invert returns the members of rs that are not in present, as normalized
// ranges. present must be ascending. This is the VANISHED computation: the
// client's known set minus the messages still present.
func (rs Ranges) Invert(present []uint32) Ranges {
	var out Ranges
	i := 0
	for _, r := range rs {
		lo := r.First
		for {
			for i < len(present) && present[i] < lo {
				i++
			}
			if i >= len(present) || present[i] > r.Last {
				out = out.Add(lo, r.Last)
				break
			}
			if present[i] > lo {
				out = out.Add(lo, present[i]-1)
			}
			if present[i] == r.Last {
				break
			}
			lo = present[i] + 1
			i++
		}
	}
	return out
}

// Contains returns whether v is in rs.
func (rs Ranges) Contains(v uint32) bool {
	s, e := 0, len(rs)
	for s < e {
		m := (s + e) / 2
		if v < rs[m].First {
			e = m
		} else if v > rs[m].Last {
			s = m + 1
		} else {
			return true
		}
	}
	return false
}

// Count returns the number of members.
func (rs Ranges) Count() int64 {
	var n int64
	for _, r := range rs {
		n += int64(r.Last) - int64(r.First) + 1
	}
	return n
}

// IDs returns all members in ascending order. Use only on sets known to be
// small.
func (rs Ranges) IDs() []uint32 {
	var l []uint32
	for _, r := range rs {
		for v := r.First; ; v++ {
			l = append(l, v)
			if v == r.Last {
				break
			}
		}
	}
	return l
}

// Compact encodes a sorted ascending id list into normalized ranges, the
// inverse of parsing: consecutive runs collapse into a single range.
func Compact(ids []uint32) Ranges {
	var rs Ranges
	for len(ids) > 0 {
		e := 1
		for e < len(ids) && ids[e] == ids[e-1]+1 {
			e++
		}
		rs = append(rs, Range{ids[0], ids[e-1]})
		ids = ids[e:]
	}
	return rs
}

// String encodes rs in compact wire form, e.g. "1:3,5,7:9".
func (rs Ranges) String() string {
	var b strings.Builder
	for i, r := range rs {
		if i > 0 {
			b.WriteByte(',')
		}
		if r.First == r.Last {
			fmt.Fprintf(&b, "%d", r.First)
		} else {
			fmt.Fprintf(&b, "%d:%d", r.First, r.Last)
		}
	}
	return b.String()
}

// Strings encodes rs like String, but splits the encoding into strings of at
// most maxSize bytes, each a valid set on its own. For VANISHED lines, which
// should stay within usual line-length limits.
func (rs Ranges) Strings(maxSize int) []string {
	var l []string
	var b strings.Builder
	for _, r := range rs {
		var s string
		if r.First == r.Last {
			s = strconv.FormatUint(uint64(r.First), 10)
		} else {
			s = fmt.Sprintf("%d:%d", r.First, r.Last)
		}
		if b.Len() > 0 && b.Len()+1+len(s) > maxSize {
			l = append(l, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s)
	}
	if b.Len() > 0 {
		l = append(l, b.String())
	}
	return l
}
