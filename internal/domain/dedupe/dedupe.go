// Package dedupe derives the content hashes that make queued submissions
// idempotent.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/posepulse/internal/domain/model"
)

// ErrEmptyUser is returned when hashing a result without a user identity.
var ErrEmptyUser = errors.New("user id is required")

// canonical is the hashed document. Field order is fixed by the struct.
type canonical struct {
	AnalysisData model.MetricsResult `json:"analysis_data"`
	UserID       string              `json:"user_id"`
}

// Hash returns the hex SHA-256 of the canonical JSON encoding of the result
// and user id. ComputedAt is normalized to UTC so the same instant always
// hashes the same regardless of the local zone.
func Hash(result model.MetricsResult, userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUser
	}
	result.ComputedAt = result.ComputedAt.UTC()
	b, err := json.Marshal(canonical{AnalysisData: result, UserID: userID})
	if err != nil {
		return "", fmt.Errorf("encode result for hashing: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
