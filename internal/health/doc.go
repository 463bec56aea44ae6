// Package health provides composable health check probes and HTTP handlers
// for liveness and readiness endpoints.
//
// Probes are combined with [All], labelled with [Named] and stubbed with
// [Fixed]. [CheckFunc] adapts a plain function into a [Probe], [WithTimeout]
// bounds a probe that talks to a dependency (sqlite, redis).
//
// [ShutdownGate] coordinates graceful shutdown: once closed, readiness probes
// fail immediately so load balancers stop sending traffic before in-flight
// requests are drained.
package health
