package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRulePrefix(t *testing.T) {
	tests := []struct {
		name string
		rule string
		want string
	}{
		{"plain adguard block", "||doubleclick.net^", "doubleclick.net"},
		{"exception rule", "@@||cdn.example.com^", "cdn.example.com"},
		{"pipe anchor", "|https://ads.example.com", "https://ads.example.com"},
		{"modifiers stripped", "||tracker.io^$third-party,domain=~safe.example", "tracker.io"},
		{"dollar only", "ads.example$script", "ads.example"},
		{"truncated to 32", "||" + "a234567890b234567890c234567890d234567890.com^", "a234567890b234567890c234567890d2"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
		{"case folded", "||DoubleClick.NET^", "doubleclick.net"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RulePrefix(tt.rule))
		})
	}
}

func TestClientClass(t *testing.T) {
	tests := []struct {
		client string
		want   string
	}{
		{"Annas-iPhone", ClientMobile},
		{"android-3f9a", ClientMobile},
		{"DESKTOP-4J2K1", ClientDesktop},
		{"living-room-tv", ClientIoT},
		{"esp32-sensor", ClientIoT},
		{"192.168.1.50", ClientOther},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClientClass(tt.client), "client %q", tt.client)
	}
}

func TestKeyFromMeta(t *testing.T) {
	meta := &UpstreamMeta{
		Reason:   ReasonBlackList,
		Rule:     "||ads.example.com^",
		FilterID: 2,
		Client:   "annas-iphone",
	}

	key := KeyFromMeta(meta)
	assert.Equal(t, SignatureKey{
		Reason:      ReasonBlackList,
		FilterID:    "2",
		RulePrefix:  "ads.example.com",
		ClientClass: ClientMobile,
	}, key)

	assert.Equal(t, SignatureKey{Reason: ReasonBlackList, RulePrefix: "ads.example.com"}, key.WithoutClient())
	assert.Equal(t, SignatureKey{Reason: ReasonBlackList, RulePrefix: "ads"}, key.FirstLabel())
	assert.Equal(t, SignatureKey{Reason: ReasonBlackList}, key.ReasonOnly())

	assert.Equal(t, SignatureKey{}, KeyFromMeta(nil), "nil meta yields zero key")
}
