package coap

import "sync"

// TokenGenerator produces the token a client exchange's request carries
// (spec.md §3: 0-8 bytes, echoed verbatim by the server).
type TokenGenerator interface {
	NextToken() []byte
}

// PRNGTokenGenerator draws tokens from a PRNG collaborator. The teacher's
// RandomTokenGenerator seeded math/rand from the wall clock and stamped a
// sequence counter into the first byte to rule out same-process
// collisions; here the PRNG is a caller-supplied collaborator (typically
// CryptoPRNG), so a predictable wall-clock seed is no longer a relevant
// weakness, but the sequence-counter habit is still worth keeping — it
// turns "extremely unlikely collision" into "no collision until the
// counter wraps", which is cheaper to reason about when tokens are only
// 4 bytes.
type PRNGTokenGenerator struct {
	prng PRNG

	mu  sync.Mutex
	seq uint8
}

func NewPRNGTokenGenerator(prng PRNG) *PRNGTokenGenerator {
	return &PRNGTokenGenerator{prng: prng}
}

func (t *PRNGTokenGenerator) NextToken() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := make([]byte, 4)
	if err := t.prng.Fill(tok); err != nil {
		panic(err)
	}
	t.seq++
	tok[0] = t.seq
	return tok
}

// CountingTokenGenerator hands out 1-byte tokens that simply count up.
// Deterministic and collision-free within a single test run, which is
// all it's for.
type CountingTokenGenerator struct {
	mu  sync.Mutex
	seq uint8
}

func NewCountingTokenGenerator() TokenGenerator {
	return &CountingTokenGenerator{}
}

func (t *CountingTokenGenerator) NextToken() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	return []byte{t.seq}
}
