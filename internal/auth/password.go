package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret hashes a plaintext secret using bcrypt.
func HashSecret(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret compares a plaintext secret with a stored hash in constant time.
func VerifySecret(hash, secret string) error {
	if hash == "" {
		return errors.New("secret hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}
