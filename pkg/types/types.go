// Package types defines the shared types used across all Talvox packages.
//
// These types form the lingua franca between the capture layer, the
// transcription link, the aggregator, and the local store. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// TimeRange locates a piece of transcript on the session timeline.
// Both bounds are relative to the start of the session.
type TimeRange struct {
	// Start is the offset at which the spoken audio begins.
	Start time.Duration

	// End is the offset at which the spoken audio ends. Always >= Start.
	End time.Duration
}

// Seconds returns the range as (start, end) in floating-point seconds, the
// unit used on the wire and in the local store.
func (r TimeRange) Seconds() (float64, float64) {
	return r.Start.Seconds(), r.End.Seconds()
}

// Segment is one committed, immutable unit of transcript.
//
// Segment IDs are sequence numbers assigned locally by the aggregator, not by
// the server: they start at zero for each session and increase by one per
// committed segment. Once created a Segment is never mutated or removed.
type Segment struct {
	// ID is the aggregator-assigned sequence number, strictly increasing
	// within a session.
	ID int64

	// Range locates the segment on the session timeline.
	Range TimeRange

	// Text is the final transcript text. Never empty: silent finals are
	// dropped before a Segment is created.
	Text string
}
