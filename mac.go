package auditlog

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// KeySize is the size in bytes of the forward-evolving secret and the
// MAC it produces under the default HmacSHA256 algorithm.
const KeySize = 32

// hashCtors maps a configured algorithm name to its hash constructor.
// Writer and verifier must agree on the name for a log to verify.
var hashCtors = map[string]func() hash.Hash{
	"HmacSHA256": sha256.New,
	"HmacSHA512": sha512.New,
}

// MACEngine computes keyed MACs over canonicalized row data and derives
// the secret's successor after each MAC. It never silently degrades: an
// unrecognized algorithm name fails fast at construction.
type MACEngine struct {
	algorithm string
	newHash   func() hash.Hash
}

// NewMACEngine selects the hash algorithm by name. algorithm == ""
// selects HmacSHA256.
func NewMACEngine(algorithm string) (*MACEngine, error) {
	if algorithm == "" {
		algorithm = "HmacSHA256"
	}
	ctor, ok := hashCtors[algorithm]
	if !ok {
		return nil, newErr(CodeCrypto, "NewMACEngine", fmt.Errorf("unknown MAC algorithm %q", algorithm))
	}
	return &MACEngine{algorithm: algorithm, newHash: ctor}, nil
}

// MAC computes HMAC(secret, cells...) and the secret's ratcheted
// successor. The caller decides when to commit nextSecret, so a failed
// append or persist never advances the chain.
func (m *MACEngine) MAC(secret []byte, cells ...[]byte) (tag []byte, nextSecret []byte, err error) {
	h := hmac.New(m.newHash, secret)
	for _, c := range cells {
		if _, werr := h.Write(c); werr != nil {
			return nil, nil, newErr(CodeCrypto, "MACEngine.MAC", werr)
		}
	}
	tag = h.Sum(nil)
	nextSecret = m.ratchet(secret)
	return tag, nextSecret, nil
}

// ratchet derives K_i+1 = H(K_i || label). One-way: holding the current
// secret gives no path back to any earlier one.
func (m *MACEngine) ratchet(secret []byte) []byte {
	h := m.newHash()
	_, _ = h.Write(secret)
	_, _ = h.Write([]byte("auditlog-ratchet-v1"))
	return h.Sum(nil)
}

// constantTimeEqual compares two byte slices without leaking timing
// information about where they first differ.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var acc byte
	for i := range a {
		acc |= a[i] ^ b[i]
	}
	return acc == 0
}
