// Package header extracts the request start time from the headers set by the
// edge router and turns it into a queue-time measurement.
//
// Headers arrive in different shapes depending on the adapter: net/http's
// canonicalized map, ordered name/value pairs from CGI-style environments, or
// raw byte pairs. All are normalized into an ordered []Field first; lookup is
// case-insensitive and the first usable match in input order wins.
package header

import (
	"math/rand/v2"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// Header names carrying the router's request start time in milliseconds.
const (
	RequestStart    = "X-Request-Start"
	CGIRequestStart = "HTTP_X_REQUEST_START"
)

// Synthetic start offsets used in dev mode, in milliseconds before now.
const (
	fakeLowerMs = 0
	fakeUpperMs = 2000
	fakeQuality = 10
)

// Field is one header name/value pair.
type Field struct {
	Name  string
	Value string
}

// FromHTTP flattens an http.Header into fields. Keys are visited in sorted
// order so the result is deterministic; values keep their received order.
func FromHTTP(h http.Header) []Field {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			fields = append(fields, Field{Name: k, Value: v})
		}
	}
	return fields
}

// FromPairs converts ordered string pairs into fields.
func FromPairs(pairs [][2]string) []Field {
	fields := make([]Field, 0, len(pairs))
	for _, p := range pairs {
		fields = append(fields, Field{Name: p[0], Value: p[1]})
	}
	return fields
}

// FromBytes decodes raw header pairs as ISO-8859-1, which maps every byte to
// a rune and therefore never fails.
func FromBytes(pairs [][2][]byte) []Field {
	dec := charmap.ISO8859_1.NewDecoder()
	fields := make([]Field, 0, len(pairs))
	for _, p := range pairs {
		name, err := dec.Bytes(p[0])
		if err != nil {
			continue
		}
		value, err := dec.Bytes(p[1])
		if err != nil {
			continue
		}
		fields = append(fields, Field{Name: string(name), Value: string(value)})
	}
	return fields
}

// Int returns the first field named key (case-insensitive) whose value is a
// base-10 integer. Non-numeric values are skipped.
func Int(fields []Field, key string) (int64, bool) {
	for _, f := range fields {
		if !strings.EqualFold(f.Name, key) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(f.Value), 10, 64)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

// IntOrDefault is Int with a fallback value.
func IntOrDefault(fields []Field, key string, def int64) int64 {
	if n, ok := Int(fields, key); ok {
		return n
	}
	return def
}

// String returns the first value of the field named key (case-insensitive).
func String(fields []Field, key string) (string, bool) {
	for _, f := range fields {
		if strings.EqualFold(f.Name, key) {
			return f.Value, true
		}
	}
	return "", false
}

// RequestStartMs looks up the router start time under both the HTTP and the
// CGI header spelling.
func RequestStartMs(fields []Field) (int64, bool) {
	if n, ok := Int(fields, RequestStart); ok {
		return n, true
	}
	return Int(fields, CGIRequestStart)
}

// Measurement is a computed queue time ready to become a Record.
type Measurement struct {
	// Timestamp is the extraction time in whole seconds since the epoch.
	Timestamp int64
	// QueueTimeMs may be negative when router and dyno clocks disagree.
	QueueTimeMs int64
	// Synthetic is true when the start time was fabricated in dev mode.
	Synthetic bool
}

// QueueTime computes the queue time for a request observed at now. Without a
// usable start header it fabricates one in dev mode and otherwise reports
// false.
func QueueTime(fields []Field, now time.Time, devMode bool) (Measurement, bool) {
	nowMs := now.UnixMilli()
	start, ok := RequestStartMs(fields)
	synthetic := false
	if !ok {
		if !devMode {
			return Measurement{}, false
		}
		start = FakeRequestStartMs(now)
		synthetic = true
	}
	return Measurement{
		Timestamp:   nowMs / 1000,
		QueueTimeMs: nowMs - start,
		Synthetic:   synthetic,
	}, true
}

// FakeRequestStartMs returns a start time between 0 and ~2s before now,
// roughly normally distributed.
func FakeRequestStartMs(now time.Time) int64 {
	return now.UnixMilli() - int64(PseudoNormal(fakeLowerMs, fakeUpperMs, fakeQuality))
}

// PseudoNormal averages quality uniform draws from [lower, upper], giving a
// bell-shaped value in the same range.
func PseudoNormal(lower, upper, quality int) int {
	if upper < lower {
		lower, upper = upper, lower
	}
	if quality < 1 {
		quality = 1
	}
	sum := 0
	for i := 0; i < quality; i++ {
		sum += lower + rand.IntN(upper-lower+1)
	}
	return floorDiv(sum, quality)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
