// Package cache implements the named bucket storage behind the asset cache
// lifecycle. A Storage hands out Buckets by name (the content, temp staging
// and manifest record caches) and lets callers delete a bucket wholesale.
// Entries are buffered responses keyed by absolute request URL.
//
// Three backends are registered: "memory" for tests and ephemeral gateways,
// "disk" which lays buckets out as StoragePath/<bucket>/<sha256(key)> files
// written with temp file + rename, and "sqlite" which keeps every bucket in a
// single database file. Disk and SQLite entries carry a content digest that
// is verified on every read so a torn write surfaces as ErrCorrupt instead of
// being served.
package cache
