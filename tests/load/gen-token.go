//go:build ignore

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Prints an admin token for poking the admin API during load runs:
//
//	TOKEN=$(go run gen-token.go)
//	curl -H "Authorization: Bearer $TOKEN" localhost:8080/admin/status
func main() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "integration-test-secret-key-32chars!!"
	}
	scope := os.Getenv("JWT_SCOPE")
	if scope == "" {
		scope = "resilience:admin"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "loadtest-operator",
		"iss":   "https://auth.example.com",
		"aud":   "resilienced",
		"exp":   time.Now().Add(2 * time.Hour).Unix(),
		"scope": scope,
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
