package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// Fixed suite: Ed25519 signatures + X25519 ephemeral exchange +
// XChaCha20-Poly1305 AEAD + SHA3-256 KDF. Signing keys are long-lived,
// exchange keys per-message ephemeral on the sender side.

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24

	X25519PubSize = 32
)

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// -----------------------------------------------------------------------------
// X25519 ephemeral helpers
// -----------------------------------------------------------------------------

type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.privBytes {
		e.privBytes[i] = 0
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privBytes := priv.Bytes()
	privCopy := make([]byte, len(privBytes))
	copy(privCopy, privBytes)
	pubBytes := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pubBytes))
	copy(pubCopy, pubBytes)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: pubCopy}, nil
}

func X25519Shared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

func GenExchangeKeypair() (pub, priv []byte, err error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return key.PublicKey().Bytes(), key.Bytes(), nil
}

// -----------------------------------------------------------------------------
// Sealed boxes: ephemeral X25519 + XChaCha20-Poly1305 to a static peer key.
// Output layout: ephPub(32) || nonce(24) || ciphertext.
// -----------------------------------------------------------------------------

const sealLabel = "hailmesh:seal:v1"

func SealTo(peerExchangePub, plaintext, aad []byte) ([]byte, error) {
	if len(peerExchangePub) != X25519PubSize {
		return nil, errors.New("bad exchange pubkey size")
	}
	eph, err := GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	ephPub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	shared, err := eph.Shared(peerExchangePub)
	if err != nil {
		return nil, err
	}
	key := KDF(sealLabel, shared, ephPub, peerExchangePub)
	zeroBytes(shared)
	nonce, ct, err := XSeal(key, plaintext, aad)
	zeroBytes(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, X25519PubSize+XNonceSize+len(ct))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func OpenFrom(exchangePriv, exchangePub, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < X25519PubSize+XNonceSize+1 {
		return nil, errors.New("sealed box too short")
	}
	ephPub := sealed[:X25519PubSize]
	nonce := sealed[X25519PubSize : X25519PubSize+XNonceSize]
	ct := sealed[X25519PubSize+XNonceSize:]
	shared, err := X25519Shared(exchangePriv, ephPub)
	if err != nil {
		return nil, err
	}
	key := KDF(sealLabel, shared, ephPub, exchangePub)
	zeroBytes(shared)
	plain, err := XOpen(key, nonce, ct, aad)
	zeroBytes(key)
	return plain, err
}

// -----------------------------------------------------------------------------
// Ed25519 signing
// -----------------------------------------------------------------------------

func GenKeypair() (pub, priv []byte, err error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return edPub, edPriv, nil
}

func SignDigest(priv []byte, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("bad digest size")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("bad signing key size")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), digest), nil
}

func VerifyDigest(pub []byte, digest []byte, sig []byte) bool {
	if len(digest) != 32 || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir, name string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name+".pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir, name string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, name+".pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, name+".priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad %s.pub.hex", name)
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad %s.priv.hex", name)
	}
	return pub, priv, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
