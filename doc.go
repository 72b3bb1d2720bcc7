// Package bastion is an authentication defense core: rotating refresh-token
// families with reuse detection, multi-strategy rate limiting, and
// progressive account lockout, composed so every issuance and exchange
// passes through the limiter and lockout checks before touching the token
// store.
//
// The package is designed for concurrent server workloads: Guard methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// bastion is the public surface. It exposes [Guard], [Builder], [Config],
// and value types (TokenPair, MetricsSnapshot, AuditEvent). The lifecycle
// stores live in the token, ratelimit, and lockout sub-packages; user
// identity, password hashing, and HTTP wiring stay on the caller's side of
// [UserProvider].
//
// # What this package must NOT do
//
//   - Hold raw refresh secrets at rest; stores only ever see SHA-256 digests.
//   - Let an audit or metrics failure fail the primary operation.
//   - Report a rate-limit denial as a store error; denials are typed results.
package bastion
