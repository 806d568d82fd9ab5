// Command gentoken prints an HS256 bearer token accepted by the gateway,
// signed with $JWT_SECRET. It is meant for local testing and load runs.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	sub := flag.String("sub", "local-user", "subject (and userId) claim")
	iss := flag.String("iss", "", "issuer claim; omitted when empty")
	aud := flag.String("aud", "", "audience claim; omitted when empty")
	scope := flag.String("scope", "read write", "space-separated scopes")
	ttl := flag.Duration("ttl", 2*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "error: JWT_SECRET is not set")
		os.Exit(1)
	}

	claims := jwt.MapClaims{
		"sub":    *sub,
		"userId": *sub,
		"exp":    time.Now().Add(*ttl).Unix(),
		"iat":    time.Now().Unix(),
		"scope":  *scope,
	}
	if *iss != "" {
		claims["iss"] = *iss
	}
	if *aud != "" {
		claims["aud"] = *aud
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
