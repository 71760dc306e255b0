package util

import (
	"crypto/sha256"
	"encoding/hex"
)

const ownerSegmentLen = 16

// OwnerSegment maps an owner ID onto a short hex path segment so raw
// identities never appear in object keys.
func OwnerSegment(ownerID string) string {
	sum := sha256.Sum256([]byte(ownerID))
	return hex.EncodeToString(sum[:ownerSegmentLen/2])
}
