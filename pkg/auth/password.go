package auth

import (
	"golang.org/x/crypto/bcrypt"

	"taskexchange/pkg/config"
)

// HashPassword hashes a password with bcrypt. The work factor comes from
// BCRYPT_COST when no explicit cost is given; values outside bcrypt's
// supported range fall back to the library default.
func HashPassword(password string, cost ...int) (string, error) {
	bcryptCost := config.GetEnvInt("BCRYPT_COST", bcrypt.DefaultCost)
	if len(cost) > 0 {
		bcryptCost = cost[0]
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	return string(bytes), err
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
