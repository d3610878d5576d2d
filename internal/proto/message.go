package proto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hailmesh/internal/crypto"
)

// Sealed payload types. The production handshake only carries accept;
// offer/answer/candidate signaling for a direct-channel upgrade existed in
// an earlier design and is deliberately not implemented.
const PayloadTypeAccept = "accept"

// MessageTTL bounds how long relays keep a sealed message around for a
// recipient that is briefly offline.
const MessageTTL = 60 * time.Second

// AcceptPayload is the decrypted body of a sealed accept message. Sender is
// the hex sign pubkey and must match the envelope pubkey.
type AcceptPayload struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Sender    string `json:"sender"`
}

func EncodeAcceptPayload(p AcceptPayload) ([]byte, error) {
	if p.Type == "" {
		p.Type = PayloadTypeAccept
	}
	return json.Marshal(p)
}

func DecodeAcceptPayload(data []byte) (AcceptPayload, error) {
	var p AcceptPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return AcceptPayload{}, err
	}
	if p.Type != PayloadTypeAccept {
		return AcceptPayload{}, fmt.Errorf("unexpected payload type: %s", p.Type)
	}
	if p.RequestID == "" || p.Sender == "" {
		return AcceptPayload{}, errors.New("incomplete accept payload")
	}
	return p, nil
}

// SealMessageRecord builds a signed message record whose content only the
// recipient can open. Relays see sender and recipient pubkeys as routing
// metadata, nothing else. The recipient pubkey is bound into the AEAD as
// associated data.
func SealMessageRecord(signer Signer, recipientPub string, recipientExchangePub, plaintext []byte) (Record, error) {
	if recipientPub == "" {
		return Record{}, errors.New("missing recipient")
	}
	sealed, err := crypto.SealTo(recipientExchangePub, plaintext, []byte(recipientPub))
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Kind:      KindMessage,
		CreatedAt: time.Now().Unix(),
		Content:   base64.StdEncoding.EncodeToString(sealed),
	}
	rec.SetTag(TagRecipient, recipientPub)
	rec.SetExpiry(time.Now().Add(MessageTTL).Unix())
	if err := SignRecord(&rec, signer); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Opener is the decrypting slice of an identity.
type Opener interface {
	PeerID() string
	OpenSealed(sealed, aad []byte) ([]byte, error)
}

// OpenMessageRecord decrypts a message record addressed to us. The caller
// has already verified the envelope signature.
func OpenMessageRecord(opener Opener, r *Record) ([]byte, error) {
	if r.Kind != KindMessage {
		return nil, fmt.Errorf("not a message record")
	}
	if r.Recipient() != opener.PeerID() {
		return nil, errors.New("message not addressed to us")
	}
	sealed, err := base64.StdEncoding.DecodeString(r.Content)
	if err != nil {
		return nil, errors.New("bad sealed content encoding")
	}
	return opener.OpenSealed(sealed, []byte(opener.PeerID()))
}
