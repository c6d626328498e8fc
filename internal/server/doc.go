// Package server holds the HTTP surface around the MCP endpoint: the
// shared ServerContext carrying the verifier, broker, credential store and
// Gmail client, the bearer-auth and rate-limit middleware, health probes
// for Kubernetes, and the dedicated Prometheus metrics listener.
package server
