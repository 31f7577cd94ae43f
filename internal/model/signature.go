package model

import (
	"strconv"
	"strings"
	"time"
)

// maxRulePrefixLen bounds the rule-derived portion of a signature key so
// that one sprawling filter rule cannot fragment the key space.
const maxRulePrefixLen = 32

// SignatureKey partitions the space of upstream filter metadata. Keys with
// empty trailing fields act as wildcards; the classifier probes from most
// to least specific.
type SignatureKey struct {
	Reason      string `json:"reason"`
	FilterID    string `json:"filter_id,omitempty"`
	RulePrefix  string `json:"rule_prefix,omitempty"`
	ClientClass string `json:"client_class,omitempty"`
}

// WithoutClient returns the key reduced to (reason, rule_prefix).
func (k SignatureKey) WithoutClient() SignatureKey {
	return SignatureKey{Reason: k.Reason, RulePrefix: k.RulePrefix}
}

// FirstLabel returns the key reduced to (reason, first label of the rule
// prefix), so a coarse signature keyed on a bare label ("ads") matches any
// rule anchored at that label.
func (k SignatureKey) FirstLabel() SignatureKey {
	prefix := k.RulePrefix
	if idx := strings.IndexByte(prefix, '.'); idx >= 0 {
		prefix = prefix[:idx]
	}
	return SignatureKey{Reason: k.Reason, RulePrefix: prefix}
}

// ReasonOnly returns the key reduced to (reason).
func (k SignatureKey) ReasonOnly() SignatureKey {
	return SignatureKey{Reason: k.Reason}
}

// Signature is a learned mapping from upstream metadata to a verdict.
// Mutated only by the pattern learner; read by the metadata classifier.
type Signature struct {
	Key        SignatureKey `json:"key"`
	Category   string       `json:"category"`
	Risk       Risk         `json:"risk"`
	Confidence float64      `json:"confidence"`
	Hits       int64        `json:"hits"`
	LastSeen   time.Time    `json:"last_seen"`
}

// KeyFromMeta derives the full-specificity signature key from filter
// metadata. Nil metadata yields the zero key, which never matches.
func KeyFromMeta(meta *UpstreamMeta) SignatureKey {
	if meta == nil {
		return SignatureKey{}
	}
	key := SignatureKey{
		Reason:      meta.Reason,
		RulePrefix:  RulePrefix(meta.Rule),
		ClientClass: ClientClass(meta.Client),
	}
	if meta.FilterID != 0 {
		key.FilterID = strconv.FormatInt(meta.FilterID, 10)
	}
	return key
}

// RulePrefix reduces an upstream filter rule to a stable key fragment:
// AdGuard syntax decorations are stripped (leading ||, @@||, |, trailing ^
// and $modifiers) and the remainder is truncated to 32 characters.
func RulePrefix(rule string) string {
	r := strings.TrimSpace(rule)
	if r == "" {
		return ""
	}
	r = strings.TrimPrefix(r, "@@")
	r = strings.TrimPrefix(r, "||")
	r = strings.TrimPrefix(r, "|")
	if idx := strings.IndexByte(r, '^'); idx >= 0 {
		r = r[:idx]
	}
	if idx := strings.IndexByte(r, '$'); idx >= 0 {
		r = r[:idx]
	}
	if len(r) > maxRulePrefixLen {
		r = r[:maxRulePrefixLen]
	}
	return strings.ToLower(r)
}

// Client device classes used in signature keys. Learned patterns that
// depend on the querying device generalize across devices of the same
// kind rather than memorizing hostnames.
const (
	ClientMobile  = "mobile"
	ClientDesktop = "desktop"
	ClientIoT     = "iot"
	ClientOther   = "other"
)

var clientClassMarkers = []struct {
	class   string
	markers []string
}{
	{ClientMobile, []string{"iphone", "android", "pixel", "galaxy", "mobile", "phone", "ipad", "tablet"}},
	{ClientDesktop, []string{"desktop", "laptop", "macbook", "imac", "pc-", "-pc", "workstation", "thinkpad"}},
	{ClientIoT, []string{"tv", "cam", "iot", "esp", "smart", "echo", "nest", "hue", "plug", "vacuum", "printer"}},
}

// ClientClass buckets an upstream client identifier (hostname or IP note)
// into a coarse device class. Empty input stays empty so that keys built
// from reason-only events do not gain a phantom dimension.
func ClientClass(client string) string {
	c := strings.ToLower(strings.TrimSpace(client))
	if c == "" {
		return ""
	}
	for _, bucket := range clientClassMarkers {
		for _, marker := range bucket.markers {
			if strings.Contains(c, marker) {
				return bucket.class
			}
		}
	}
	return ClientOther
}
