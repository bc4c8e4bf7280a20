// Package backoff implements the retry-with-backoff substrate every request
// manager shares: spec §4.3 — "exponential backoff with jitter, capped,
// resettable on success, and a sentinel 'request in flight' flag
// suppressing concurrent duplicates."
//
// Grounded on the teacher's retry loop in txn.go's
// doWithConcurrentTransactions (exponential-ish retry bounded by a wall
// clock deadline, driven by cl.cfg.txnBackoff) and metadata.go's
// c.cfg.client.retryBackoff(consecutiveErrors) call after each failed
// updateMetadata.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff computes exponential-with-jitter delays capped at Max, and tracks
// whether a request is currently in flight to suppress concurrent
// duplicates from the same manager.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	attempts int
	inFlight bool
	rng      *rand.Rand
}

// New creates a Backoff with sane defaults matching the teacher's
// txnBackoff-style usage: small base, capped, jittered.
func New() *Backoff {
	return &Backoff{
		Base:       100 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		rng:        rand.New(rand.NewSource(1)),
	}
}

// NextDelay returns the delay to wait before the next retry and increments
// the internal attempt counter. Jitter is full-jitter in [0, computed).
func (b *Backoff) NextDelay() time.Duration {
	d := float64(b.Base)
	for i := 0; i < b.attempts; i++ {
		d *= b.Multiplier
		if time.Duration(d) > b.Max {
			d = float64(b.Max)
			break
		}
	}
	b.attempts++
	if d <= 0 {
		return 0
	}
	jittered := b.rng.Float64() * d
	return time.Duration(jittered)
}

// Reset clears the attempt counter, called on any successful response or
// when an error class (e.g. NOT_COORDINATOR) demands immediate retry
// without backoff.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts reports the current consecutive-failure count, for metrics.
func (b *Backoff) Attempts() int { return b.attempts }

// MarkInFlight sets the in-flight sentinel; TryMarkInFlight is the usual
// entry point, this is exposed for managers that must set it outside that
// helper's narrow check-and-set.
func (b *Backoff) MarkInFlight() { b.inFlight = true }

// ClearInFlight clears the in-flight sentinel, called from the response or
// failure completion callback.
func (b *Backoff) ClearInFlight() { b.inFlight = false }

// InFlight reports whether a request issued through this Backoff is still
// outstanding.
func (b *Backoff) InFlight() bool { return b.inFlight }

// TryMarkInFlight atomically (single-threaded reactor, so just
// check-and-set) claims the in-flight slot, returning false if a request is
// already outstanding — the mechanism spec §4.3 calls "a sentinel 'request
// in flight' flag suppressing concurrent duplicates."
func (b *Backoff) TryMarkInFlight() bool {
	if b.inFlight {
		return false
	}
	b.inFlight = true
	return true
}
