package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"

	"skillora/ingest-service/internal/model"
)

// IdempotencyKey derives the key that deduplicates submissions of the same
// file, column map and requester.
func IdempotencyKey(fileID string, m model.ColumnMap, requester string) string {
	h := sha256.New()
	h.Write([]byte(fileID))
	h.Write([]byte{0})
	h.Write([]byte(m.Canonical()))
	h.Write([]byte{0})
	h.Write([]byte(requester))
	return hex.EncodeToString(h.Sum(nil))
}
