// Package health provides composable probes and the liveness/readiness
// handlers served by the local invoke server.
//
// Probes combine with [All] (AND) and [Fixed] (static). [CheckFunc] adapts a
// plain function. [ShutdownGate] fails readiness while the server drains, and
// [Executable] fails readiness when the sync program cannot be found on PATH.
package health
