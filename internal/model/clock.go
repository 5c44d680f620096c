package model

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock abstracts time so decay, expiry, and history ordering are testable.
type Clock interface {
	Now() time.Time
}

// RandomSource abstracts randomness for id generation and sampling.
type RandomSource interface {
	Int63() int64
	Read(p []byte) (int, error)
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a preset instant, advanced manually in tests.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// IDGenerator mints sortable memory ids. ULIDs keep equal-score tie-breaks
// stable across restarts because ordering follows creation time.
type IDGenerator struct {
	mu      sync.Mutex
	clock   Clock
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator builds a generator over the given clock and random source.
func NewIDGenerator(clock Clock, src RandomSource) *IDGenerator {
	return &IDGenerator{
		clock:   clock,
		entropy: ulid.Monotonic(readerFrom(src), 0),
	}
}

// NewID returns the next memory id.
func (g *IDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.clock.Now()), g.entropy).String()
}

// SystemRandom seeds from the wall clock; deterministic tests pass a
// rand.New(rand.NewSource(k)) instead.
func SystemRandom() RandomSource {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

type sourceReader struct{ src RandomSource }

func (r sourceReader) Read(p []byte) (int, error) { return r.src.Read(p) }

func readerFrom(src RandomSource) sourceReader { return sourceReader{src: src} }
