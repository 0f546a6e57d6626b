// Package filesystem wraps the file operations the generators depend on
// with retry logic for NFS stale file handle errors, which show up when
// media lives on network mounts and the exporting server restarts.
package filesystem
