package identity

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const pseudonymLength = 8

// Pseudonymizer derives stable, one-way handles from IP addresses. Collisions
// between different IPs are possible and accepted.
type Pseudonymizer struct {
	key []byte
}

func NewPseudonymizer(key string) *Pseudonymizer {
	k := []byte(key)
	if len(k) > blake2b.Size {
		sum := blake2b.Sum256(k)
		k = sum[:]
	}
	return &Pseudonymizer{key: k}
}

// Hash returns the full keyed digest of ip as hex.
func (p *Pseudonymizer) Hash(ip string) string {
	h, err := blake2b.New256(p.key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes, which NewPseudonymizer prevents.
		sum := blake2b.Sum256([]byte(ip))
		return hex.EncodeToString(sum[:])
	}
	_, _ = h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Pseudonymizer) Anonymous(ip string) Anonymous {
	hash := p.Hash(ip)
	return Anonymous{
		IP:        ip,
		IPHash:    hash,
		Pseudonym: "Guest-" + hash[:pseudonymLength],
	}
}
