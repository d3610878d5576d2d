// Package identity supplies the per-installation keypair. Generated once,
// persisted under the data dir, immutable for the process lifetime. The hex
// signing pubkey is the durable peer identifier; the exchange keypair only
// exists so other peers can seal direct messages to us.
package identity

import (
	"encoding/hex"
	"errors"
	"os"

	"hailmesh/internal/crypto"
)

type Identity struct {
	signPub  []byte
	signPriv []byte
	boxPub   []byte
	boxPriv  []byte
}

// Load returns the installation identity, generating and persisting it on
// first use. Idempotent: repeated calls against the same dir return the same
// keys.
func Load(dir string) (*Identity, error) {
	signPub, signPriv, err := crypto.LoadKeypair(dir, "sign")
	if errors.Is(err, os.ErrNotExist) {
		signPub, signPriv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(dir, "sign", signPub, signPriv); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	boxPub, boxPriv, err := crypto.LoadKeypair(dir, "exchange")
	if errors.Is(err, os.ErrNotExist) {
		boxPub, boxPriv, err = crypto.GenExchangeKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(dir, "exchange", boxPub, boxPriv); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return &Identity{signPub: signPub, signPriv: signPriv, boxPub: boxPub, boxPriv: boxPriv}, nil
}

// Ephemeral builds an in-memory identity that is never persisted. Used by
// tests and short-lived tooling.
func Ephemeral() (*Identity, error) {
	signPub, signPriv, err := crypto.GenKeypair()
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := crypto.GenExchangeKeypair()
	if err != nil {
		return nil, err
	}
	return &Identity{signPub: signPub, signPriv: signPriv, boxPub: boxPub, boxPriv: boxPriv}, nil
}

// PeerID is the durable peer identifier: the hex signing pubkey.
func (id *Identity) PeerID() string {
	return hex.EncodeToString(id.signPub)
}

// ExchangePub is published inside record payloads so counterparts can seal
// messages to us.
func (id *Identity) ExchangePub() []byte {
	out := make([]byte, len(id.boxPub))
	copy(out, id.boxPub)
	return out
}

func (id *Identity) SignDigest(digest []byte) ([]byte, error) {
	return crypto.SignDigest(id.signPriv, digest)
}

// OpenSealed decrypts a sealed box addressed to this identity.
func (id *Identity) OpenSealed(sealed, aad []byte) ([]byte, error) {
	return crypto.OpenFrom(id.boxPriv, id.boxPub, sealed, aad)
}
