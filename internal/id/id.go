// Package id generates opaque identifiers for envelopes and correlation.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 21-character alphanumeric nanoid.
func Generate() string {
	s, err := gonanoid.Generate(alphabet, 21)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return s
}

// Correlation returns a correlation id for a forwarded command. The admin
// peer id is embedded so hub logs remain greppable by originator.
func Correlation(adminPeerID int64) string {
	s, err := gonanoid.Generate(alphabet, 12)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return fmt.Sprintf("c%d-%s", adminPeerID, s)
}
