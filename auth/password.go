// Package auth provides password hashing for role logins.
//
// Hashes are self-describing bcrypt strings: the cost and salt are embedded
// in the hash itself, and verification is constant-time.
package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost used for new password hashes.
const DefaultCost = bcrypt.DefaultCost

// HashPassword derives a salted bcrypt hash from a clear-text password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ValidatePassword checks a clear-text password against a stored hash.
// Any error (malformed hash, mismatch) reports false; callers must not
// distinguish an unknown login from a bad password.
func ValidatePassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
