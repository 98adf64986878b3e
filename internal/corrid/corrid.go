// Package corrid mints correlation identifiers for connections and
// sessions, the same role bassosimone-nop's spanid.go plays for a single
// request. No other package in this module calls it: log lines and metric
// samples carry no correlation id.
package corrid

import "github.com/google/uuid"

// New returns a UUIDv7 correlation id. UUIDv7 is time-ordered, so
// correlation ids sort chronologically in logs without any extra field.
//
// Unlike bassosimone-nop's NewSpanID, this does not panic on RNG failure:
// a daemon accepting untrusted connections must not crash because the
// kernel's entropy pool hiccuped, so a generation failure falls back to a
// random v4 id, and only an error from that too is surfaced to the caller.
func New() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id, err = uuid.NewRandom()
		if err != nil {
			return "", err
		}
	}
	return id.String(), nil
}

// MustNew is New but panics on failure, for call sites (e.g. test harness
// setup) where a correlation id is not optional and a failure indicates a
// broken environment rather than a recoverable runtime condition.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}
