package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost balances join latency against brute-force resistance. Channel
// passwords are short-lived secrets, so the stock cost is plenty.
const bcryptCost = 10

// HashChannelPassword hashes a channel password for storage in the channel.
// An empty password hashes to the empty string (unprotected channel).
func HashChannelPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckChannelPassword compares a stored hash against a join attempt. An
// empty hash means the channel is unprotected and any password is accepted.
func CheckChannelPassword(hash, password string) bool {
	if hash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
