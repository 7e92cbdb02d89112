// Package archon implements an embedded, single-writer/multi-reader
// object store with versioned snapshots persisted to a single
// memory-mapped file. The storage core is an arena-backed reference
// allocator, a copy-on-write node graph rooted at a snapshot, a cuckoo
// hash primary index over a paged tree, and a cluster payload layout
// of variable bit-width packed columnar arrays. Commits flip between
// two on-file header slots after fsync, so a crash mid-commit always
// leaves one slot fully consistent.
package archon
