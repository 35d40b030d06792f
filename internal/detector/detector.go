package detector

import (
	"regexp"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// Solana addresses are base58 encoded, 32-44 characters. The alphabet skips
// the visually ambiguous 0, O, I and l.
var addressPattern = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)

// systemAddresses are protocol-owned addresses that show up in messages all
// the time but are never tradable tokens.
var systemAddresses = map[string]struct{}{
	"So11111111111111111111111111111111111111112":  {}, // wrapped SOL
	"11111111111111111111111111111111":             {}, // system program
	"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA":  {}, // token program
	"ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL": {}, // associated token program
}

// ExtractAddresses returns every candidate contract address found in text,
// in order of first appearance, deduplicated, with system addresses removed.
func ExtractAddresses(text string) []string {
	if text == "" {
		return nil
	}

	matches := addressPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var addresses []string
	seen := make(map[string]struct{}, len(matches))

	for _, addr := range matches {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}

		if _, ok := systemAddresses[addr]; ok {
			continue
		}
		addresses = append(addresses, addr)
	}

	if len(addresses) > 0 {
		log.Debug().Int("count", len(addresses)).Msg("candidate addresses in message")
	}
	return addresses
}

// ExtractFirst returns the first surviving address in text, or "" if none.
func ExtractFirst(text string) string {
	addresses := ExtractAddresses(text)
	if len(addresses) == 0 {
		return ""
	}
	return addresses[0]
}

// IsValidAddress validates an arbitrary string against the length, alphabet
// and system-address rules. Used for input validation on the API side.
func IsValidAddress(address string) bool {
	if len(address) < 32 || len(address) > 44 {
		return false
	}
	if addressPattern.FindString(address) != address {
		return false
	}
	_, system := systemAddresses[address]
	return !system
}

// DecodesToPublicKey reports whether address base58-decodes to exactly 32
// bytes, i.e. is a real ed25519 public key and not just alphabet-shaped.
// Stricter than IsValidAddress; applied to manually submitted addresses.
func DecodesToPublicKey(address string) bool {
	raw, err := base58.Decode(address)
	if err != nil {
		return false
	}
	return len(raw) == 32
}
