// Package actionlog parses lines of a Lustre MDT hsm/actions log.
//
// The log is a mutable kernel snapshot, not a real log: each line describes
// one in-flight HSM action as whitespace-separated key=value tokens, where a
// value is either a bare token or a bracketed blob that itself contains
// key=value pairs (e.g. lrh=[type=10680000 len=192 idx=517/31144]).
package actionlog

import (
	"regexp"
	"strconv"
	"strings"
)

// Record holds the attributes extracted from one hsm/actions line.
// FID, Action or Status are empty when the line does not carry them.
type Record struct {
	CatIdx int
	RecIdx int
	FID    string
	Action string
	Status string
}

// ActionKey is the stream-level identity of the action: fid + ":" + action.
// The composite (mdt, cat_idx, rec_idx) key is recycled by Lustre once an
// action completes, so it cannot identify an action across its lifecycle.
func (r Record) ActionKey() string {
	return r.FID + ":" + r.Action
}

var (
	fieldRE = regexp.MustCompile(`(\w+)=((?:\[[^\]]*\])|(?:\S+))`)
	innerRE = regexp.MustCompile(`(\w+)=([^\s\[\]]+)`)
)

// ParseLine extracts the core event attributes from a single line.
// Top-level fields win over fields found inside bracketed values. A line is
// recognized only when an idx=[C/R] pair with non-negative halves is present;
// everything else returns ok=false. The parser is pure and never panics.
func ParseLine(line string) (Record, bool) {
	var rec Record
	var haveIdx bool

	for _, m := range fieldRE.FindAllStringSubmatch(line, -1) {
		key, val := m[1], m[2]
		switch key {
		case "idx":
			if cat, ri, ok := parseIdxPair(strings.Trim(val, "[]")); ok {
				rec.CatIdx, rec.RecIdx = cat, ri
				haveIdx = true
			}
		case "action":
			rec.Action = strings.Trim(val, "[]")
		case "fid":
			rec.FID = strings.Trim(val, "[]")
		case "status":
			rec.Status = strings.Trim(val, "[]")
		default:
			if !strings.HasPrefix(val, "[") || !strings.HasSuffix(val, "]") {
				continue
			}
			for _, im := range innerRE.FindAllStringSubmatch(val[1:len(val)-1], -1) {
				ikey, ival := im[1], im[2]
				switch ikey {
				case "idx":
					// An idx found inside a bracket only applies when no
					// top-level idx was seen.
					if haveIdx {
						continue
					}
					if cat, ri, ok := parseIdxPair(ival); ok {
						rec.CatIdx, rec.RecIdx = cat, ri
						haveIdx = true
					}
				case "action":
					if rec.Action == "" {
						rec.Action = ival
					}
				case "fid":
					if rec.FID == "" {
						rec.FID = ival
					}
				case "status":
					if rec.Status == "" {
						rec.Status = ival
					}
				}
			}
		}
	}

	if !haveIdx {
		return Record{}, false
	}
	return rec, true
}

func parseIdxPair(s string) (int, int, bool) {
	catStr, recStr, found := strings.Cut(s, "/")
	if !found {
		return 0, 0, false
	}
	cat, err := strconv.Atoi(catStr)
	if err != nil || cat < 0 {
		return 0, 0, false
	}
	rec, err := strconv.Atoi(recStr)
	if err != nil || rec < 0 {
		return 0, 0, false
	}
	return cat, rec, true
}
