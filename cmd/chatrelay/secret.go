package main

import (
	"crypto/rand"
	"encoding/hex"
)

// randomSecret signs tokens for a throwaway local server.
func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
