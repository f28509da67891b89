package coap

import "crypto/rand"

// CryptoPRNG fills tokens from crypto/rand. Unlike the teacher's
// RandomTokenGenerator (math/rand seeded from the wall clock), token
// uniqueness here matters across concurrently-dialed contexts sharing a
// process, not just within one — math/rand's seed collisions under fast
// repeated dialing are exactly the failure mode crypto/rand avoids.
type CryptoPRNG struct{}

func NewCryptoPRNG() PRNG { return CryptoPRNG{} }

func (CryptoPRNG) Fill(b []byte) error {
	_, err := rand.Read(b)
	return err
}
