package coap

import "testing"

func TestCryptoPRNGFillsRequestedLength(t *testing.T) {
	p := NewCryptoPRNG()
	buf := make([]byte, 8)
	if err := p.Fill(buf); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	var allZero = true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatalf("Fill left buffer all-zero, vanishingly unlikely from crypto/rand")
	}
}
