package proto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"hailmesh/internal/crypto"
)

// Record kinds. A request/availability record is the broadcast state object
// of one participant; a message record carries a sealed point-to-point
// payload and is opaque to relays.
const (
	KindRequest      = "request"
	KindAvailability = "availability"
	KindMessage      = "message"
)

// Well-known tag names.
const (
	TagD         = "d"      // replaceable identifier
	TagCell      = "cell"   // spatial bucket filter value
	TagExpiry    = "expiry" // absolute unix-seconds expiry
	TagRecipient = "p"      // sealed message recipient (hex sign pubkey)
)

// Record is the signed envelope shared through relays. For a given
// (pubkey, kind, d) only the newest accepted revision is served.
type Record struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	Kind      string     `json:"kind"`
	Tags      [][]string `json:"tags"`
	CreatedAt int64      `json:"created_at"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func (r *Record) TagValue(name string) (string, bool) {
	for _, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

func (r *Record) SetTag(name, value string) {
	for i, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == name {
			r.Tags[i][1] = value
			return
		}
	}
	r.Tags = append(r.Tags, []string{name, value})
}

func (r *Record) DTag() string {
	v, _ := r.TagValue(TagD)
	return v
}

func (r *Record) Cell() string {
	v, _ := r.TagValue(TagCell)
	return v
}

func (r *Record) Recipient() string {
	v, _ := r.TagValue(TagRecipient)
	return v
}

// Expiry returns the absolute unix-seconds expiry, or 0 if absent/garbled.
func (r *Record) Expiry() int64 {
	v, ok := r.TagValue(TagExpiry)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (r *Record) SetExpiry(unixSec int64) {
	r.SetTag(TagExpiry, strconv.FormatInt(unixSec, 10))
}

// ReplaceableKey identifies the slot a record occupies: only the newest
// revision per key is visible.
func (r *Record) ReplaceableKey() string {
	return r.Pubkey + "/" + r.Kind + "/" + r.DTag()
}

// CanonicalBytes is the serialization covered by the id and signature.
func (r *Record) CanonicalBytes() ([]byte, error) {
	canon := []any{0, r.Pubkey, r.Kind, r.CreatedAt, r.Tags, r.Content}
	return json.Marshal(canon)
}

func (r *Record) ComputeID() (string, error) {
	canon, err := r.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.SHA3_256(canon)), nil
}

// Signer is the narrow slice of an identity the wire layer needs.
type Signer interface {
	PeerID() string
	SignDigest(digest []byte) ([]byte, error)
}

// SignRecord fills in pubkey, id and sig. Tags and content must be final.
func SignRecord(r *Record, signer Signer) error {
	r.Pubkey = signer.PeerID()
	canon, err := r.CanonicalBytes()
	if err != nil {
		return err
	}
	digest := crypto.SHA3_256(canon)
	r.ID = hex.EncodeToString(digest)
	sig, err := signer.SignDigest(digest)
	if err != nil {
		return err
	}
	r.Sig = hex.EncodeToString(sig)
	return nil
}

// VerifyRecord checks structure, id integrity and authorship. Anything that
// fails here is dropped by consumers, never surfaced as an error upward.
func VerifyRecord(r *Record) error {
	if r == nil {
		return errors.New("nil record")
	}
	switch r.Kind {
	case KindRequest, KindAvailability, KindMessage:
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.Pubkey == "" || r.ID == "" || r.Sig == "" {
		return errors.New("incomplete record")
	}
	pub, err := hex.DecodeString(r.Pubkey)
	if err != nil {
		return errors.New("bad pubkey encoding")
	}
	id, err := r.ComputeID()
	if err != nil {
		return err
	}
	if id != r.ID {
		return errors.New("id mismatch")
	}
	sig, err := hex.DecodeString(r.Sig)
	if err != nil {
		return errors.New("bad sig encoding")
	}
	digest, err := hex.DecodeString(r.ID)
	if err != nil {
		return errors.New("bad id encoding")
	}
	if !crypto.VerifyDigest(pub, digest, sig) {
		return errors.New("bad signature")
	}
	return nil
}
