// Package dedup tracks in-flight thumbnail requests by path so that
// concurrent requests for the same path never spawn duplicate generation
// work. Reservations carry an id so a release from a superseded holder
// cannot clear a newer reservation, and they expire after a timeout so a
// stuck generation cannot block a path forever.
package dedup
