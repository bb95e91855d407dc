package event

import (
	"crypto/sha256"
	"encoding/hex"
)

// DomainPayload separates payload digests from any other hash in the system.
// The version suffix leaves room for a future algorithm change.
const DomainPayload = "attendsync/payload/v1"

// PayloadDigest computes SHA256(domain || 0x00 || kind || 0x00 || payload)
// over a canonical payload.
//
// The server stores it alongside each event log entry to detect an event id
// being reused for a different action.
func PayloadDigest(kind Kind, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(DomainPayload))
	h.Write([]byte{0x00})
	h.Write([]byte(kind))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
