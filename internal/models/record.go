// Package models defines the measurement records that flow from the request
// path through the local repository to the collector.
package models

import "fmt"

// Record sources.
const (
	SourceWeb = "web"
	// SourceRQPrefix prefixes the queue name for job-queue samples ("rq:default").
	SourceRQPrefix = "rq:"
)

// Record is a single queue-time sample.
type Record struct {
	// Timestamp is the measurement time in seconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
	// Metric is the queue time in milliseconds. Negative values come from
	// clock skew between router and dyno and are kept as-is.
	Metric   int64  `json:"metric"`
	Source   string `json:"source"`
	Metadata string `json:"metadata"`
}

// String implements fmt.Stringer.
func (r Record) String() string {
	return fmt.Sprintf("%d,%d,%s,%s", r.Timestamp, r.Metric, r.Source, r.Metadata)
}

// StoredRecord is a Record that has been persisted. ID is assigned by the
// repository and identifies the row for deletion after upload.
type StoredRecord struct {
	ID int64 `json:"id"`
	Record
}
