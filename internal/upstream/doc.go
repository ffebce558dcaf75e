// Package upstream performs conditional HTTP GETs against the package mirror.
// A Fetcher attaches the stored freshness validators (ETag / Last-Modified) to
// each request and reports one of three outcomes: fresh content with new
// validators, not-modified, or a typed failure. The HTTP client is injected so
// tests can substitute upstream stubs, and response bodies can be streamed into
// a caller-owned sink in bounded chunks instead of being buffered.
package upstream
