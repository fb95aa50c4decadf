package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	PacketIVSize  = 12
	PacketTagSize = 16
)

var ErrMalformedPacket = errors.New("malformed message packet")

// EncryptedMessagePacket is the multi-recipient envelope. encoding/json
// renders the byte slices as standard base64, and map keys are emitted in
// sorted order, so Encode is deterministic.
type EncryptedMessagePacket struct {
	Ciphertext []byte            `json:"ciphertext"`
	IV         []byte            `json:"iv"`
	Keys       map[string][]byte `json:"keys"`
}

func (p *EncryptedMessagePacket) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Validate checks the packet shape without any key material.
func (p *EncryptedMessagePacket) Validate() error {
	if len(p.IV) != PacketIVSize {
		return fmt.Errorf("%w: iv is %d bytes, want %d", ErrMalformedPacket, len(p.IV), PacketIVSize)
	}
	if len(p.Ciphertext) < PacketTagSize {
		return fmt.Errorf("%w: ciphertext shorter than the GCM tag", ErrMalformedPacket)
	}
	if len(p.Keys) == 0 {
		return fmt.Errorf("%w: no recipients", ErrMalformedPacket)
	}
	for uid, k := range p.Keys {
		if uid == "" || len(k) == 0 {
			return fmt.Errorf("%w: empty recipient entry", ErrMalformedPacket)
		}
	}
	return nil
}

func (p *EncryptedMessagePacket) AddressedTo(userID string) bool {
	_, ok := p.Keys[userID]
	return ok
}

func ParsePacket(content string) (*EncryptedMessagePacket, error) {
	var p EncryptedMessagePacket
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
