// Package logging provides leveled logging configured through the DEBUG and
// LOG_LEVEL environment variables. Output goes through the standard library
// log package so timestamps and destinations stay consistent process-wide.
package logging
