package bastion

const (
	auditEventTokenIssued       = "token_issued"
	auditEventTokenRotated      = "token_rotated"
	auditEventTokenRevoked      = "token_revoked"
	auditEventTokenEvicted      = "token_evicted"
	auditEventFamilyRevoked     = "family_revoked"
	auditEventUserTokensRevoked = "user_tokens_revoked"
	auditEventReuseDetected     = "exchange_reuse_detected"
	auditEventExchangeDenied    = "exchange_denied"
	auditEventRateLimitExceeded = "rate_limit_exceeded"
	auditEventAccountLocked     = "account_locked"
	auditEventAccountUnlocked   = "account_unlocked"
	auditEventAttemptFailure    = "attempt_failure"
	auditEventCleanupSweep      = "cleanup_sweep"
)
