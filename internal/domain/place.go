package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Place is an extracted business record. It is an independent aggregate:
// places survive archival of the campaign whose task produced them.
type Place struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Address      string       `json:"address"`
	City         string       `json:"city,omitempty"`
	Category     string       `json:"category,omitempty"`
	Rating       *float64     `json:"rating,omitempty"`
	ReviewCount  *int         `json:"review_count,omitempty"`
	Phone        string       `json:"phone,omitempty"`
	Website      string       `json:"website,omitempty"`
	Coordinates  *Coordinates `json:"coordinates,omitempty"`
	SourceTaskID string       `json:"source_task_id"`
	Fingerprint  string       `json:"fingerprint"`
	Reviews      []Review     `json:"reviews,omitempty"`
	ExtractedAt  time.Time    `json:"extracted_at"`
}

// Review is a child of its place and is only reachable through it.
type Review struct {
	ID       string    `json:"id"`
	Author   string    `json:"author"`
	Rating   float64   `json:"rating"`
	Text     string    `json:"text,omitempty"`
	PostedAt time.Time `json:"posted_at"`
}

// NewPlace builds a place for a source task and stamps its fingerprint.
func NewPlace(sourceTaskID, name, address string) *Place {
	return &Place{
		ID:           NewID(),
		Name:         name,
		Address:      address,
		SourceTaskID: sourceTaskID,
		Fingerprint:  PlaceFingerprint(sourceTaskID, name, address),
		ExtractedAt:  time.Now().UTC(),
	}
}

// PlaceFingerprint is the deterministic dedup key over
// (source_task_id, name, address). Whitespace and case differences in name
// and address do not produce distinct keys.
func PlaceFingerprint(sourceTaskID, name, address string) string {
	h := sha256.New()
	h.Write([]byte(sourceTaskID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(address))))
	return hex.EncodeToString(h.Sum(nil))
}
