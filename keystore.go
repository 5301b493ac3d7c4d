package auditlog

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Well-known key store aliases. InitialKey seeds a fresh chain;
// CurrentKey and CurrentSignature track the live chain state; Signature
// holds the long-lived asymmetric signing identity.
const (
	AliasInitialKey       = "InitialKey"
	AliasCurrentKey       = "CurrentKey"
	AliasCurrentSignature = "CurrentSignature"
	AliasSignature        = "Signature"
)

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltSize     = 16
)

// entryKind distinguishes what an alias's bytes mean, so a wrong-kind read
// (e.g. ReadPrivate on a symmetric alias) fails loudly instead of
// returning garbage.
type entryKind int

const (
	kindSecret entryKind = iota
	kindPrivateKey
	kindCertificate
)

type aliasEntry struct {
	Kind entryKind
	Data []byte
}

// containerFile is the on-disk, gob-encoded wrapper: salt for the
// password KDF plus the AES-GCM nonce and ciphertext of the entry map.
type containerFile struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// KeyStore is a password-protected container of named secret and
// asymmetric-key entries, encrypted at rest: the AEAD key is derived
// from the store password via scrypt, and the serialized entry map is
// sealed with AES-GCM.
type KeyStore struct {
	mu       sync.Mutex
	path     string
	password []byte
	salt     []byte
	entries  map[string]aliasEntry
}

// OpenKeyStore opens (or creates, if absent) the container file at path
// under the given password. A missing file is not an error: a fresh,
// empty container is created in memory and persisted on first write.
func OpenKeyStore(path string, password []byte) (*KeyStore, error) {
	ks := &KeyStore{
		path:     path,
		password: append([]byte(nil), password...),
		entries:  make(map[string]aliasEntry),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		salt := make([]byte, saltSize)
		if _, rerr := rand.Read(salt); rerr != nil {
			return nil, newErr(CodeKeyStore, "OpenKeyStore", rerr)
		}
		ks.salt = salt
		return ks, nil
	}
	if err != nil {
		return nil, newErr(CodeKeyStore, "OpenKeyStore", err)
	}

	var cf containerFile
	if derr := gob.NewDecoder(bytes.NewReader(data)).Decode(&cf); derr != nil {
		return nil, newErr(CodeKeyStore, "OpenKeyStore", fmt.Errorf("corrupt container: %w", derr))
	}
	ks.salt = cf.Salt

	aead, err := ks.aead()
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, cf.Nonce, cf.Ciphertext, nil)
	if err != nil {
		return nil, newErr(CodeKeyStore, "OpenKeyStore", fmt.Errorf("wrong password or corrupt container: %w", err))
	}

	var entries map[string]aliasEntry
	if derr := gob.NewDecoder(bytes.NewReader(plain)).Decode(&entries); derr != nil {
		return nil, newErr(CodeKeyStore, "OpenKeyStore", fmt.Errorf("corrupt entries: %w", derr))
	}
	ks.entries = entries
	return ks, nil
}

func (ks *KeyStore) aead() (cipher.AEAD, error) {
	key, err := scrypt.Key(ks.password, ks.salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, newErr(CodeKeyStore, "KeyStore.aead", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newErr(CodeKeyStore, "KeyStore.aead", err)
	}
	return cipher.NewGCM(block)
}

// persistLocked re-encrypts the entry map and writes it to path. Caller
// must hold ks.mu.
func (ks *KeyStore) persistLocked() error {
	var plainBuf bytes.Buffer
	if err := gob.NewEncoder(&plainBuf).Encode(ks.entries); err != nil {
		return newErr(CodeKeyStore, "KeyStore.persist", err)
	}

	aead, err := ks.aead()
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return newErr(CodeKeyStore, "KeyStore.persist", err)
	}
	ciphertext := aead.Seal(nil, nonce, plainBuf.Bytes(), nil)

	var fileBuf bytes.Buffer
	cf := containerFile{Salt: ks.salt, Nonce: nonce, Ciphertext: ciphertext}
	if err := gob.NewEncoder(&fileBuf).Encode(cf); err != nil {
		return newErr(CodeKeyStore, "KeyStore.persist", err)
	}

	if err := os.WriteFile(ks.path, fileBuf.Bytes(), 0600); err != nil {
		return newErr(CodeKeyStore, "KeyStore.persist", err)
	}
	return nil
}

// ReadSecret returns the raw symmetric secret stored under alias.
func (ks *KeyStore) ReadSecret(alias string) ([]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	e, ok := ks.entries[alias]
	if !ok {
		return nil, newErr(CodeKeyStore, "KeyStore.ReadSecret", fmt.Errorf("alias %q not found", alias))
	}
	if e.Kind != kindSecret {
		return nil, newErr(CodeKeyStore, "KeyStore.ReadSecret", fmt.Errorf("alias %q is not a secret", alias))
	}
	return append([]byte(nil), e.Data...), nil
}

// WriteSecret stores (or overwrites) a symmetric secret under alias and
// persists the container before returning. Chain-state writes after each
// data row depend on this being synchronous.
func (ks *KeyStore) WriteSecret(alias string, data []byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.entries[alias] = aliasEntry{Kind: kindSecret, Data: append([]byte(nil), data...)}
	return ks.persistLocked()
}

// WriteSigner provisions an asymmetric alias: an RSA private key plus
// its DER-encoded certificate.
func (ks *KeyStore) WriteSigner(alias string, priv *rsa.PrivateKey, certDER []byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.entries[alias] = aliasEntry{Kind: kindPrivateKey, Data: x509.MarshalPKCS1PrivateKey(priv)}
	ks.entries[alias+".cert"] = aliasEntry{Kind: kindCertificate, Data: append([]byte(nil), certDER...)}
	return ks.persistLocked()
}

// ReadPrivate returns the RSA private key stored under alias.
func (ks *KeyStore) ReadPrivate(alias string) (*rsa.PrivateKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	e, ok := ks.entries[alias]
	if !ok || e.Kind != kindPrivateKey {
		return nil, newErr(CodeKeyStore, "KeyStore.ReadPrivate", fmt.Errorf("alias %q has no private key", alias))
	}
	priv, err := x509.ParsePKCS1PrivateKey(e.Data)
	if err != nil {
		return nil, newErr(CodeKeyStore, "KeyStore.ReadPrivate", err)
	}
	return priv, nil
}

// ReadPublic returns the certificate stored under alias+".cert".
func (ks *KeyStore) ReadPublic(alias string) (*x509.Certificate, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	e, ok := ks.entries[alias+".cert"]
	if !ok || e.Kind != kindCertificate {
		return nil, newErr(CodeKeyStore, "KeyStore.ReadPublic", fmt.Errorf("alias %q has no certificate", alias))
	}
	cert, err := x509.ParseCertificate(e.Data)
	if err != nil {
		return nil, newErr(CodeKeyStore, "KeyStore.ReadPublic", err)
	}
	return cert, nil
}
