package proto

import (
	"encoding/json"
	"fmt"
)

// Client<->relay message types, one JSON object per frame.
const (
	MsgTypePub   = "pub"
	MsgTypeSub   = "sub"
	MsgTypeUnsub = "unsub"
	MsgTypeEvent = "event"
	MsgTypeEose  = "eose"
	MsgTypeOk    = "ok"
)

// Per-type inbound size caps enforced by the relay read loop.
const (
	MaxPubSize = 128 << 10
	MaxSubSize = 8 << 10
)

func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypePub:
		return MaxPubSize
	case MsgTypeSub, MsgTypeUnsub:
		return MaxSubSize
	default:
		return SoftMaxFrameSize
	}
}

// Filter scopes a subscription. Zero fields match everything; all set
// fields must match.
type Filter struct {
	Kinds     []string `json:"kinds,omitempty"`
	Authors   []string `json:"authors,omitempty"`
	Cell      string   `json:"cell,omitempty"`
	D         string   `json:"d,omitempty"`
	Recipient string   `json:"recipient,omitempty"`
}

func (f Filter) Matches(r *Record) bool {
	if len(f.Kinds) > 0 && !containsString(f.Kinds, r.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, r.Pubkey) {
		return false
	}
	if f.Cell != "" && r.Cell() != f.Cell {
		return false
	}
	if f.D != "" && r.DTag() != f.D {
		return false
	}
	if f.Recipient != "" && r.Recipient() != f.Recipient {
		return false
	}
	return true
}

type PubMsg struct {
	Type   string `json:"type"`
	Record Record `json:"record"`
}

type SubMsg struct {
	Type   string `json:"type"`
	SubID  string `json:"sub_id"`
	Filter Filter `json:"filter"`
}

type UnsubMsg struct {
	Type  string `json:"type"`
	SubID string `json:"sub_id"`
}

type EventMsg struct {
	Type   string `json:"type"`
	SubID  string `json:"sub_id"`
	Record Record `json:"record"`
}

type EoseMsg struct {
	Type  string `json:"type"`
	SubID string `json:"sub_id"`
}

type OkMsg struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func EncodeClientMsg(m any) ([]byte, error) {
	return json.Marshal(m)
}

// SniffType returns the type discriminator of a raw client message.
func SniffType(data []byte) (string, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return "", err
	}
	if hdr.Type == "" {
		return "", fmt.Errorf("missing message type")
	}
	return hdr.Type, nil
}

func DecodePubMsg(data []byte) (PubMsg, error) {
	var m PubMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return PubMsg{}, err
	}
	if m.Type != MsgTypePub {
		return PubMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func DecodeSubMsg(data []byte) (SubMsg, error) {
	var m SubMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SubMsg{}, err
	}
	if m.Type != MsgTypeSub {
		return SubMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.SubID == "" {
		return SubMsg{}, fmt.Errorf("missing sub id")
	}
	return m, nil
}

func DecodeUnsubMsg(data []byte) (UnsubMsg, error) {
	var m UnsubMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return UnsubMsg{}, err
	}
	if m.Type != MsgTypeUnsub {
		return UnsubMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func DecodeEventMsg(data []byte) (EventMsg, error) {
	var m EventMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return EventMsg{}, err
	}
	if m.Type != MsgTypeEvent {
		return EventMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func DecodeEoseMsg(data []byte) (EoseMsg, error) {
	var m EoseMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return EoseMsg{}, err
	}
	if m.Type != MsgTypeEose {
		return EoseMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func DecodeOkMsg(data []byte) (OkMsg, error) {
	var m OkMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return OkMsg{}, err
	}
	if m.Type != MsgTypeOk {
		return OkMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
