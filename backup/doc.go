// Package backup holds the on-disk and on-wire formats of the restore node:
// the backup tarball uploaded by operators, the per-epoch share files and
// the persisted blinders.
//
// Binary files start with a 4-byte big-endian format version followed by
// uint32 length-prefixed fields, and are always replaced atomically
// (temp file, fsync, rename, directory fsync).
package backup
