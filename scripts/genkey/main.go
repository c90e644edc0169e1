// genkey generates an HS256 secret for Michi API tokens.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go           # print a secret
//	go run scripts/genkey/main.go -env .env # add MICHI_API_SECRET to .env
//
// The daemon loads .env on startup. With no secret set it accepts every
// request as an operator, which is only safe on a single-user machine.
// Mint tokens from the secret with `michi token`.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const key = "MICHI_API_SECRET"

func main() {
	envPath := flag.String("env", "", "dotenv file to write the secret into")
	flag.Parse()

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "error: read random bytes: %v\n", err)
		os.Exit(1)
	}
	secret := hex.EncodeToString(buf)

	if *envPath == "" {
		fmt.Println(secret)
		return
	}

	env, err := godotenv.Read(*envPath)
	if errors.Is(err, fs.ErrNotExist) {
		env = map[string]string{}
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "error: read %s: %v\n", *envPath, err)
		os.Exit(1)
	}

	// Refuse to overwrite an existing secret; rotating it invalidates every
	// issued token.
	if env[key] != "" {
		fmt.Fprintf(os.Stderr, "error: %s already sets %s; remove it first to rotate\n", *envPath, key)
		os.Exit(1)
	}
	env[key] = secret
	if err := godotenv.Write(env, *envPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", *envPath, err)
		os.Exit(1)
	}
	if err := os.Chmod(*envPath, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "warning: chmod %s: %v\n", *envPath, err)
	}
	fmt.Printf("wrote %s to %s\n", key, *envPath)
}
