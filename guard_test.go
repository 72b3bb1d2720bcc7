package bastion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bastion-auth/bastion/ratelimit"
)

var testBase = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testBase} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeUsers struct {
	mu       sync.Mutex
	disabled map[string]bool
	missing  map[string]bool
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{disabled: map[string]bool{}, missing: map[string]bool{}}
}

func (f *fakeUsers) Disable(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[userID] = true
}

func (f *fakeUsers) Forget(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[userID] = true
}

func (f *fakeUsers) FindUser(_ context.Context, userID string) (UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[userID] {
		return UserRecord{}, ErrUserNotFound
	}
	return UserRecord{ID: userID, Enabled: !f.disabled[userID]}, nil
}

// guardConfig returns a config with generous limits so tests exercise one
// control at a time.
func guardConfig() Config {
	cfg := defaultConfig()
	cfg.Cleanup.Enabled = false
	cfg.Tokens.GraceWindow = 0
	cfg.Limits.Default = ratelimit.Policy{
		Strategy: ratelimit.FixedWindow,
		Limit:    10_000,
		Window:   time.Minute,
	}
	cfg.Limits.Actions = map[ratelimit.Action]ratelimit.Policy{}
	return cfg
}

func newTestGuard(t *testing.T, cfg Config, users *fakeUsers, clock *fakeClock) *Guard {
	t.Helper()
	g, err := New().
		WithConfig(cfg).
		WithUserProvider(users).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build guard: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func TestIssueExchangeRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, guardConfig(), newFakeUsers(), clock)

	pair, err := g.Issue(ctx, IssueInput{UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.Generation != 1 || pair.RefreshToken == "" || pair.AccessToken == "" {
		t.Fatalf("unexpected pair: %+v", pair)
	}

	next, err := g.Exchange(ctx, ExchangeInput{RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if next.Generation != 2 {
		t.Fatalf("generation = %d, want 2", next.Generation)
	}
	if next.FamilyID != pair.FamilyID {
		t.Fatalf("family changed across rotation")
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}
	if got := g.Metrics().Value(MetricExchangeSuccess); got != 1 {
		t.Fatalf("exchange success counter = %d, want 1", got)
	}
}

func TestReplayRevokesWholeFamily(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, guardConfig(), newFakeUsers(), clock)

	pair, err := g.Issue(ctx, IssueInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	next, err := g.Exchange(ctx, ExchangeInput{RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	// The original token again, with zero grace: theft.
	if _, err := g.Exchange(ctx, ExchangeInput{RefreshToken: pair.RefreshToken}); !errors.Is(err, ErrFamilyCompromised) {
		t.Fatalf("replay err = %v, want ErrFamilyCompromised", err)
	}
	// Containment killed the legitimate successor too.
	if _, err := g.Exchange(ctx, ExchangeInput{RefreshToken: next.RefreshToken}); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("successor err = %v, want ErrTokenRevoked", err)
	}

	if got := g.Metrics().Value(MetricReuseDetected); got != 1 {
		t.Fatalf("reuse counter = %d, want 1", got)
	}
	if got := g.Metrics().Value(MetricFamilyRevoked); got != 1 {
		t.Fatalf("family revoked counter = %d, want 1", got)
	}
}

func TestGraceWindowRepeatsSuccessor(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := guardConfig()
	cfg.Tokens.GraceWindow = 30 * time.Second
	g := newTestGuard(t, cfg, newFakeUsers(), clock)

	pair, err := g.Issue(ctx, IssueInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	first, err := g.Exchange(ctx, ExchangeInput{RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	clock.Advance(5 * time.Second)
	again, err := g.Exchange(ctx, ExchangeInput{RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("grace exchange: %v", err)
	}
	if !again.Replayed {
		t.Fatal("grace response not marked replayed")
	}
	if again.RefreshID != first.RefreshID || again.RefreshToken != first.RefreshToken {
		t.Fatal("grace response did not repeat the original successor")
	}

	// Past the window the same presentation is theft.
	clock.Advance(time.Minute)
	if _, err := g.Exchange(ctx, ExchangeInput{RefreshToken: pair.RefreshToken}); !errors.Is(err, ErrFamilyCompromised) {
		t.Fatalf("post-grace err = %v, want ErrFamilyCompromised", err)
	}
}

func TestExchangeRateLimitedByIP(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := guardConfig()
	cfg.Tokens.GraceWindow = time.Minute
	cfg.Limits.Actions[ratelimit.ActionTokenRefresh] = ratelimit.Policy{
		Strategy: ratelimit.FixedWindow,
		Limit:    2,
		Window:   time.Minute,
	}
	g := newTestGuard(t, cfg, newFakeUsers(), clock)

	pair, err := g.Issue(ctx, IssueInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	in := ExchangeInput{RefreshToken: pair.RefreshToken, Provenance: Provenance{IP: "10.0.0.9"}}
	for i := 0; i < 2; i++ {
		next, err := g.Exchange(ctx, in)
		if err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
		in.RefreshToken = next.RefreshToken
	}

	_, err = g.Exchange(ctx, in)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rl.Result.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", rl.Result.RetryAfter)
	}
	if got := g.Metrics().Value(MetricRateLimitHit); got != 1 {
		t.Fatalf("rate limit counter = %d, want 1", got)
	}
}

func TestLockedUserCannotExchange(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, guardConfig(), newFakeUsers(), clock)

	pair, err := g.Issue(ctx, IssueInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := g.LockUser(ctx, "u1", clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err = g.Exchange(ctx, ExchangeInput{RefreshToken: pair.RefreshToken})
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want LockedError", err)
	}

	// Lock expiry restores service without any sweep.
	clock.Advance(2 * time.Hour)
	if _, err := g.Exchange(ctx, ExchangeInput{RefreshToken: pair.RefreshToken}); err != nil {
		t.Fatalf("post-expiry exchange: %v", err)
	}
}

func TestDisabledUserRejected(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	users := newFakeUsers()
	g := newTestGuard(t, guardConfig(), users, clock)

	pair, err := g.Issue(ctx, IssueInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	users.Disable("u1")

	if _, err := g.Issue(ctx, IssueInput{UserID: "u1"}); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("issue err = %v, want ErrUserDisabled", err)
	}
	if _, err := g.Exchange(ctx, ExchangeInput{RefreshToken: pair.RefreshToken}); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("exchange err = %v, want ErrUserDisabled", err)
	}
}

func TestIssueEvictsOldestAtCap(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := guardConfig()
	cfg.Tokens.MaxPerUser = 2
	g := newTestGuard(t, cfg, newFakeUsers(), clock)

	first, err := g.Issue(ctx, IssueInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue 1: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := g.Issue(ctx, IssueInput{UserID: "u1"}); err != nil {
		t.Fatalf("issue 2: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := g.Issue(ctx, IssueInput{UserID: "u1"}); err != nil {
		t.Fatalf("issue 3: %v", err)
	}

	if got := g.Metrics().Value(MetricTokenEvicted); got != 1 {
		t.Fatalf("evicted counter = %d, want 1", got)
	}
	if _, err := g.Exchange(ctx, ExchangeInput{RefreshToken: first.RefreshToken}); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("evicted token err = %v, want ErrTokenRevoked", err)
	}
}

func TestRevokeIsIdempotentAdminRevokeIsStrict(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, guardConfig(), newFakeUsers(), clock)

	pair, err := g.Issue(ctx, IssueInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := g.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := g.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if err := g.Revoke(ctx, "not-a-token"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}

	if err := g.AdminRevoke(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("admin revoke dead token err = %v, want ErrTokenRevoked", err)
	}
	if err := g.AdminRevoke(ctx, "not-a-token"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("admin revoke unknown err = %v, want ErrTokenNotFound", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, guardConfig(), newFakeUsers(), clock)

	a, _ := g.Issue(ctx, IssueInput{UserID: "u1"})
	b, _ := g.Issue(ctx, IssueInput{UserID: "u1"})
	other, _ := g.Issue(ctx, IssueInput{UserID: "u2"})

	n, err := g.RevokeAllForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 2 {
		t.Fatalf("revoked %d tokens, want 2", n)
	}
	for _, tok := range []string{a.RefreshToken, b.RefreshToken} {
		if _, err := g.Exchange(ctx, ExchangeInput{RefreshToken: tok}); !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("revoked token err = %v, want ErrTokenRevoked", err)
		}
	}
	if _, err := g.Exchange(ctx, ExchangeInput{RefreshToken: other.RefreshToken}); err != nil {
		t.Fatalf("bystander exchange: %v", err)
	}
}

func TestAttemptFlowLocksAndUnlocks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := guardConfig()
	cfg.Lockout.Threshold = 3
	g := newTestGuard(t, cfg, newFakeUsers(), clock)

	in := AttemptInput{Action: ratelimit.ActionLogin, Identifier: "alice@example.com", IP: "10.0.0.1", UserID: "u1"}

	for i := 0; i < 2; i++ {
		if err := g.RecordFailure(ctx, in); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	err := g.RecordFailure(ctx, in)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("third failure err = %v, want LockedError", err)
	}
	if err := g.CheckAttempt(ctx, in); !errors.As(err, &locked) {
		t.Fatalf("check err = %v, want LockedError", err)
	}

	lifted, err := g.Unlock(ctx, "u1")
	if err != nil || !lifted {
		t.Fatalf("unlock = (%v, %v), want (true, nil)", lifted, err)
	}
	if err := g.CheckAttempt(ctx, in); err != nil {
		t.Fatalf("post-unlock check: %v", err)
	}

	st, err := g.LockoutStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st == nil || st.LockoutCount != 1 {
		t.Fatalf("status = %+v, want LockoutCount 1", st)
	}
}

func TestRecordSuccessClearsFailures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := guardConfig()
	cfg.Lockout.Threshold = 3
	g := newTestGuard(t, cfg, newFakeUsers(), clock)

	in := AttemptInput{Action: ratelimit.ActionLogin, UserID: "u1", IP: "10.0.0.1"}
	for i := 0; i < 2; i++ {
		if err := g.RecordFailure(ctx, in); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	if err := g.RecordSuccess(ctx, in); err != nil {
		t.Fatalf("success: %v", err)
	}
	st, err := g.LockoutStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st != nil && st.FailedAttempts != 0 {
		t.Fatalf("failed attempts = %d after success, want 0", st.FailedAttempts)
	}
}

func TestSweepPurgesTerminalRecords(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := guardConfig()
	cfg.Tokens.Retention = time.Hour
	g := newTestGuard(t, cfg, newFakeUsers(), clock)

	pair, err := g.Issue(ctx, IssueInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := g.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	clock.Advance(2 * time.Hour)
	purged, err := g.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}

func TestRateLimitStatusDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := guardConfig()
	cfg.Limits.Actions[ratelimit.ActionLogin] = ratelimit.Policy{
		Strategy: ratelimit.FixedWindow,
		Limit:    2,
		Window:   time.Minute,
	}
	g := newTestGuard(t, cfg, newFakeUsers(), clock)

	key := ratelimit.Key{Action: ratelimit.ActionLogin, Kind: ratelimit.KindIP, Value: "10.0.0.1"}
	for i := 0; i < 5; i++ {
		res, err := g.RateLimitStatus(ctx, key)
		if err != nil {
			t.Fatalf("status %d: %v", i, err)
		}
		if !res.Allowed || res.Remaining != 1 {
			t.Fatalf("status %d = %+v, want untouched quota", i, res)
		}
	}
}
