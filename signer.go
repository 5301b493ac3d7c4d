package auditlog

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// Signer produces the asymmetric signatures that seal signature rows:
// SHA256withRSA (PKCS#1 v1.5) over the previous signature concatenated
// with the most recent MAC cell. The cell format carries the raw
// signature bytes base64-encoded, with no envelope.
type Signer struct {
	priv *rsa.PrivateKey
}

// NewSigner wraps an already-loaded private key (typically read from the
// KeyStore's Signature alias).
func NewSigner(priv *rsa.PrivateKey) *Signer { return &Signer{priv: priv} }

// Sign returns the SHA256withRSA signature over data.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, newErr(CodeCrypto, "Signer.Sign", err)
	}
	return sig, nil
}

// VerifySignature checks a SHA256withRSA signature against cert's public key.
func VerifySignature(cert *x509.Certificate, data, sig []byte) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return newErr(CodeCrypto, "VerifySignature", fmt.Errorf("certificate does not carry an RSA public key"))
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return newErr(CodeCrypto, "VerifySignature", errTagMismatch)
	}
	return nil
}

// GenerateSignerIdentity creates a fresh RSA-2048 key pair and a minimal
// self-signed certificate, for provisioning a new log's Signature alias
// (tests, first-run bootstrap). The key size is fixed at file creation;
// writer and verifier must see the same identity.
func GenerateSignerIdentity(commonName string) (*rsa.PrivateKey, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, newErr(CodeCrypto, "GenerateSignerIdentity", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, newErr(CodeCrypto, "GenerateSignerIdentity", err)
	}
	return priv, der, nil
}
