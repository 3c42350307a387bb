// Command admintoken prints a bearer token for the grader admin endpoints.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gradeflow/internal/common/http/middleware"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

func main() {
	envPath := flag.String("env", ".env", "Path to optional .env file")
	subject := flag.String("subject", "operator", "Token subject")
	issuer := flag.String("issuer", "gradeflow", "Token issuer, must match admin.issuer")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load env file failed: %v\n", err)
		os.Exit(1)
	}
	token, err := issue(os.Getenv("GRADER_ADMIN_SECRET"), *issuer, *subject, *ttl, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "admintoken: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func issue(secret, issuer, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("GRADER_ADMIN_SECRET is not set")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	cfg := middleware.ServiceTokenConfig{Secret: secret, Issuer: issuer}
	return middleware.IssueServiceToken(cfg, subject, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
}
