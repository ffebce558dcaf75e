// Package cache holds the state a mirror client keeps between upstream
// fetches. Store persists freshness validators together with the parsed
// artifact per ResourceKey (in memory or in LevelDB), BlobStore keeps package
// file bodies on disk using temp file + rename, and KeyLocks serializes writers
// of the same key without blocking unrelated keys.
package cache
