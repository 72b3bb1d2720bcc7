package token

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Many clients racing the same refresh token: exactly one may win the
// rotation; with a grace window the losers all receive the winner's
// successor, never a second lineage.
func runRotateRace(t *testing.T, store Store, grace time.Duration) {
	ctx := context.Background()
	const workers = 16

	old := createTestToken(t, store, "u-race", "fam-race", 1, testBase, testBase.Add(time.Hour))
	now := testBase.Add(time.Minute)

	successors := make([]issued, workers)
	for i := range successors {
		successors[i] = issueTestToken(t, "u-race", "fam-race", 2, now, now.Add(time.Hour))
	}

	results := make([]RotateResult, workers)
	errs := make([]error, workers)

	var start, wg sync.WaitGroup
	start.Add(1)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			start.Wait()
			results[i], errs[i] = store.Rotate(ctx, rotationFor(old, successors[i], grace, now))
		}(i)
	}
	start.Done()
	wg.Wait()

	var winners, losers int
	var winner RotateResult
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		switch res.Outcome {
		case RotateOK:
			winners++
			winner = res
		case RotateGrace:
			if grace == 0 {
				t.Fatalf("worker %d got grace with no grace window", i)
			}
			losers++
		case RotateReused:
			if grace > 0 {
				t.Fatalf("worker %d got reuse inside the grace window", i)
			}
			losers++
		default:
			t.Fatalf("worker %d outcome = %v", i, res.Outcome)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	if losers != workers-1 {
		t.Fatalf("losers = %d, want %d", losers, workers-1)
	}

	if grace > 0 {
		for i, res := range results {
			if res.Outcome != RotateGrace {
				continue
			}
			if res.Token.HashHex != winner.Token.HashHex {
				t.Fatalf("worker %d received a successor outside the winning lineage", i)
			}
			if !bytes.Equal(res.RawSecret, winnerSecret(successors, winner)) {
				t.Fatalf("worker %d received a divergent secret", i)
			}
		}
	}

	// The family holds exactly one live token afterwards.
	live, err := store.LiveForUser(ctx, "u-race", now.Add(time.Second))
	if err != nil {
		t.Fatalf("live for user: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("live tokens = %d, want 1", len(live))
	}
	if live[0].HashHex != winner.Token.HashHex {
		t.Fatal("surviving token is not the winner's successor")
	}
}

func winnerSecret(successors []issued, winner RotateResult) []byte {
	for _, s := range successors {
		if s.token.HashHex == winner.Token.HashHex {
			return s.secret[:]
		}
	}
	return nil
}

func TestRotateRaceSingleWinner(t *testing.T) {
	backends := []struct {
		name  string
		build func(t *testing.T) (Store, func())
	}{
		{"memory", func(t *testing.T) (Store, func()) {
			return NewMemoryStore(), func() {}
		}},
		{"redis", func(t *testing.T) (Store, func()) {
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatalf("miniredis start: %v", err)
			}
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStore(rdb, "bt"), func() {
				rdb.Close()
				mr.Close()
			}
		}},
	}

	for _, be := range backends {
		be := be
		t.Run(be.name+"/no_grace", func(t *testing.T) {
			store, done := be.build(t)
			defer done()
			runRotateRace(t, store, 0)
		})
		t.Run(be.name+"/with_grace", func(t *testing.T) {
			store, done := be.build(t)
			defer done()
			runRotateRace(t, store, 30*time.Second)
		})
	}
}
