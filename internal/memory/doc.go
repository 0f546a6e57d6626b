// Package memory watches heap usage against a configured limit and
// signals the engine to throttle or pause generation before the process
// gets close to an OOM kill.
package memory
