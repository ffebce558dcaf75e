// Package index parses the plain-text repository index files published by a
// Tiny Core style mirror (info.lst, md5.db, sizelist, tags.db, provides.db).
// Every parser is a pure function over already-decompressed UTF-8 text: no
// I/O, no shared state. Blank and whitespace-only lines are ignored and empty
// input yields an empty, non-nil result.
package index
