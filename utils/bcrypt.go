package utils

import "golang.org/x/crypto/bcrypt"

// Officer passwords only. The hash records its own cost, so raising this
// later re-hashes accounts on their next password change without migration.
const passwordHashCost = 12

func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
}

func ComparePassword(hashed string, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}
