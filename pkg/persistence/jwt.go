package persistence

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const callTokenTTL = 15 * time.Minute

// MintCallToken creates the short-lived bearer token the dashboard
// accepts for one call's events and tool executions.
func MintCallToken(secret, callID, tenantID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       callID,
		"tenant_id": tenantID,
		"scope":     []string{"events", "tools"},
		"iat":       now.Unix(),
		"exp":       now.Add(callTokenTTL).Unix(),
		"jti":       uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign call token: %w", err)
	}
	return signed, nil
}
