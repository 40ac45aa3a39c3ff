// Package server hosts the Fiber HTTP service and its request middleware
// chain. It attaches request IDs, checks that the Host header belongs to the
// configured site and hands every non-diagnostic request to the proxy
// handler. Diagnostic routes live under /-/ and are registered by the routes
// subpackage; keep exports narrow and accept explicit dependencies.
package server
