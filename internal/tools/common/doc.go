// Package common holds shared plumbing for tool handlers: the
// instrumentation wrapper that records metrics, spans, and audit records
// around every tool invocation.
package common
