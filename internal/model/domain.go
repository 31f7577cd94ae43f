package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/idna"
)

// MaxDomainLen is the DNS limit on a presentation-format name.
const MaxDomainLen = 253

// ErrInvalidDomain tags all domain validation failures. Handlers map it to
// a 400; the pipeline rejects the input before any tier runs.
var ErrInvalidDomain = errors.New("invalid domain")

// NormalizeDomain converts a raw domain into its canonical fingerprint:
// lowercase, no trailing dot, internationalized labels in ASCII (punycode).
// It returns ErrInvalidDomain (wrapped with the reason) for names that must
// never enter the pipeline: empty, missing a dot, containing whitespace or
// control characters, or longer than 253 characters after normalization.
func NormalizeDomain(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidDomain)
		}
	}

	name := strings.ToLower(strings.TrimSuffix(raw, "."))

	// Convert IDN labels to their ASCII-compatible encoding. The lenient
	// profile is deliberate: sinkhole logs carry underscore labels
	// (_dns.resolver.arpa) that strict lookup profiles reject.
	if ascii, err := idna.ToASCII(name); err == nil {
		name = ascii
	} else {
		return "", fmt.Errorf("%w: punycode conversion: %v", ErrInvalidDomain, err)
	}

	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	if !strings.Contains(name, ".") {
		return "", fmt.Errorf("%w: missing dot", ErrInvalidDomain)
	}
	if len(name) > MaxDomainLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidDomain, MaxDomainLen)
	}
	return name, nil
}

// DomainSignature returns the 64-bit BLAKE2b fingerprint of a normalized
// domain. Used as the disk-store record key and the cache shard selector;
// never exposed externally.
func DomainSignature(domain string) uint64 {
	sum := blake2b.Sum256([]byte(domain))
	var sig uint64
	for i := range 8 {
		sig = sig<<8 | uint64(sum[i])
	}
	return sig
}

// TLDToken returns the right-most label of a normalized domain, or "" when
// the domain has no dot.
func TLDToken(domain string) string {
	idx := strings.LastIndexByte(domain, '.')
	if idx < 0 || idx == len(domain)-1 {
		return ""
	}
	return domain[idx+1:]
}

// IsHousekeepingDomain reports whether the name belongs to local-network
// plumbing that is never worth analyzing: mDNS names and reverse-lookup
// zones.
func IsHousekeepingDomain(domain string) bool {
	return strings.HasSuffix(domain, ".local") ||
		strings.HasSuffix(domain, ".arpa") ||
		strings.HasSuffix(domain, ".localhost")
}
