// Package workers computes worker pool sizes from the CPU resources actually
// available to the process, with environment-variable overrides for
// deployments that know better.
package workers
