package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"caselog/pkg/auth"
)

// Small helper to mint bearer tokens for local development and testing.
func main() {
	_ = godotenv.Load(".env")
	principal := flag.String("sub", "", "principal (e.g. user@example.org)")
	secret := flag.String("secret", os.Getenv("CASELOG_JWT_SECRET"), "JWT signing secret")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *principal == "" || *secret == "" {
		log.Fatal("usage: caselog-token -sub user@example.org [-secret ...] [-ttl 24h]")
	}
	tok, err := auth.IssueToken(*principal, *secret, *ttl)
	if err != nil {
		log.Fatalf("failed to sign token: %v", err)
	}
	fmt.Println(tok)
}
