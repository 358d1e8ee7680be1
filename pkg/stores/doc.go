// Package stores keeps the run history of gpuforge in SQLite.
//
// History is an audit trail. Probing never reads it: the filesystem of the
// host stays the only source of truth for whether a descriptor is
// satisfied. The schema is created by embedded golang-migrate migrations.
package stores
