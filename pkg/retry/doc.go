/*
Package retry implements the engine's retry policy on top of exponential
backoff.

Two budgets exist: SSH session operations allow up to 5 attempts, whole-backup
operations allow 2. A backup retry re-runs the driver from its first phase.
Delays start at 2s, double each attempt, cap at 60s, and are jittered ±20%.

Classification comes from pkg/errdefs: transient errors (network timeouts,
connection refused, DNS not found, dropped streams) retry; fatal errors
(authentication failure, host-key mismatch, cancellation, invalid
configuration) stop the loop immediately.
*/
package retry
