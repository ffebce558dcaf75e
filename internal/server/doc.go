// Package server hosts the Fiber HTTP service that exposes the cached mirror
// operations. Index files are rendered as JSON, package files are streamed,
// and upstream failures are mapped onto gateway status codes. Diagnostic
// endpoints live under /-/ and are registered by the routes subpackage.
// Keep exports narrow and accept explicit dependencies.
package server
