package proto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Record status values. A request leaves "open" exactly once and never
// returns to it.
const (
	StatusOpen      = "open"
	StatusTaken     = "taken"
	StatusCancelled = "cancelled"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RequestContent is the counterpart-visible payload of a request record.
// ExchangePub lets providers seal accept messages to the requester.
type RequestContent struct {
	Type        string   `json:"type"`
	Origin      Location `json:"origin"`
	Destination Location `json:"destination"`
	Status      string   `json:"status"`
	MatchedWith string   `json:"matched_with,omitempty"`
	ExchangePub string   `json:"exchange_pub"`
}

// AvailabilityContent is the payload of a provider's availability record.
type AvailabilityContent struct {
	Type        string   `json:"type"`
	Location    Location `json:"location"`
	Status      string   `json:"status"`
	ExchangePub string   `json:"exchange_pub"`
}

func (c RequestContent) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeRequestContent(s string) (RequestContent, error) {
	var c RequestContent
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return RequestContent{}, err
	}
	switch c.Status {
	case StatusOpen, StatusTaken, StatusCancelled:
	default:
		return RequestContent{}, errors.New("bad request status")
	}
	return c, nil
}

func (c AvailabilityContent) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeAvailabilityContent(s string) (AvailabilityContent, error) {
	var c AvailabilityContent
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return AvailabilityContent{}, err
	}
	return c, nil
}

// ExchangePubBytes decodes the hex exchange pubkey carried in a payload.
func ExchangePubBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, errors.New("bad exchange pubkey")
	}
	return b, nil
}

// RequestTerminal reports whether a request record has left the open state.
// Malformed content counts as terminal: it must never keep a view entry
// alive.
func RequestTerminal(r Record) bool {
	c, err := DecodeRequestContent(r.Content)
	if err != nil {
		return true
	}
	return c.Status != StatusOpen
}

// AvailabilityTerminal mirrors RequestTerminal for availability records.
func AvailabilityTerminal(r Record) bool {
	c, err := DecodeAvailabilityContent(r.Content)
	if err != nil {
		return true
	}
	return c.Status != StatusOpen
}
