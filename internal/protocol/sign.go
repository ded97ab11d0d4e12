package protocol

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
)

// SignInfo is whatever time information could be recovered from a decoded
// sign token. Empty fields mean the token did not carry them.
type SignInfo struct {
	Start string // "HH:MM"
	End   string
	Date  string // "YYYY-MM-DD" when embedded JSON carried one
	Text  string // full decoded text, for logging
}

var hhmmRe = regexp.MustCompile(`\b([01]?\d|2[0-3]):[0-5]\d\b`)

type signJSON struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Date      string `json:"date"`
}

// DecodeSign tolerates the three observed token shapes: base64-wrapped JSON
// with startTime/endTime/date, free text containing HH:MM occurrences (first
// two become start/end in order), or opaque bytes (ok=false).
func DecodeSign(sign string) (SignInfo, bool) {
	if sign == "" {
		return SignInfo{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		// some variants use URL-safe alphabet
		raw, err = base64.URLEncoding.DecodeString(sign)
		if err != nil {
			return SignInfo{}, false
		}
	}
	text := string(raw)
	info := SignInfo{Text: text}

	if i := strings.IndexByte(text, '{'); i >= 0 {
		if j := strings.LastIndexByte(text, '}'); j > i {
			var payload signJSON
			if err := json.Unmarshal([]byte(text[i:j+1]), &payload); err == nil {
				info.Start = normalizeHHMM(payload.StartTime)
				info.End = normalizeHHMM(payload.EndTime)
				info.Date = payload.Date
				if info.Start != "" || info.End != "" || info.Date != "" {
					return info, true
				}
			}
		}
	}

	times := hhmmRe.FindAllString(text, 2)
	if len(times) >= 1 {
		info.Start = normalizeHHMM(times[0])
	}
	if len(times) >= 2 {
		info.End = normalizeHHMM(times[1])
	}
	return info, info.Start != "" || info.End != ""
}

// normalizeHHMM trims seconds and left-pads single-digit hours.
func normalizeHHMM(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if m := hhmmRe.FindString(t); m != "" {
		t = m
	}
	if i := strings.IndexByte(t, ':'); i == 1 {
		t = "0" + t
	}
	return t
}
