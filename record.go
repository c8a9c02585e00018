package tpmlog

import (
	"encoding/hex"
	"fmt"
)

// LogEntry is one parsed input line waiting to be chained and signed.
type LogEntry struct {
	CanID     *int
	Message   string
	Timestamp float64 // unix seconds
	Count     int
}

// SignedRecord is the unit of tamper evidence produced by Chain.Sign.
// PCR holds the register value read right after the extend for this record,
// and Signature covers the digest that was extended.
type SignedRecord struct {
	Index      uint64 // position in a local store, 0 until persisted
	ID         string // identifier assigned by a remote store
	Message    string
	CanID      *int
	Timestamp  float64
	Count      int
	PCR        []byte
	Signature  []byte
	IsNewChain bool
}

// Entry returns the log entry the record was produced from.
func (r SignedRecord) Entry() LogEntry {
	return LogEntry{CanID: r.CanID, Message: r.Message, Timestamp: r.Timestamp, Count: r.Count}
}

// Document is the flat structure published to transports and remote stores.
type Document struct {
	Message    string  `json:"Message"`
	CanID      *int    `json:"CanId,omitempty"`
	Timestamp  float64 `json:"Timestamp"`
	Count      int     `json:"Count"`
	PCR        string  `json:"PCR"`
	Signature  string  `json:"Signature"`
	IsNewChain bool    `json:"IsNewChain"`
}

// Document converts the record to its published form.
func (r SignedRecord) Document() Document {
	return Document{
		Message:    r.Message,
		CanID:      r.CanID,
		Timestamp:  r.Timestamp,
		Count:      r.Count,
		PCR:        hex.EncodeToString(r.PCR),
		Signature:  hex.EncodeToString(r.Signature),
		IsNewChain: r.IsNewChain,
	}
}

// Record decodes the hex fields of a published document.
func (d Document) Record() (SignedRecord, error) {
	pcr, err := hex.DecodeString(d.PCR)
	if err != nil {
		return SignedRecord{}, fmt.Errorf("decode PCR: %w", err)
	}
	sig, err := hex.DecodeString(d.Signature)
	if err != nil {
		return SignedRecord{}, fmt.Errorf("decode Signature: %w", err)
	}
	return SignedRecord{
		Message:    d.Message,
		CanID:      d.CanID,
		Timestamp:  d.Timestamp,
		Count:      d.Count,
		PCR:        pcr,
		Signature:  sig,
		IsNewChain: d.IsNewChain,
	}, nil
}

// CanonicalMessage is the byte form of a message that gets hashed and extended.
func CanonicalMessage(message string) []byte {
	return []byte(message)
}

// recordKey identifies a record independent of where it was stored.
func recordKey(r SignedRecord) string {
	return hex.EncodeToString(r.PCR) + ":" + hex.EncodeToString(r.Signature)
}
