package redis

import "testing"

func TestKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{lockKey("settle:7"), "lock:settle:7"},
		{rateLimitKey("api:1.2.3.4"), "ratelimit:api:1.2.3.4"},
		{windowKey(1700000040), "window:1700000040"},
		{nonceKey(" 0xABC "), "relayer:nonce:0xabc"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestStreamPayload(t *testing.T) {
	if b, ok := streamPayload("x"); !ok || string(b) != "x" {
		t.Errorf("string payload = %q %v", b, ok)
	}
	if b, ok := streamPayload([]byte("y")); !ok || string(b) != "y" {
		t.Errorf("bytes payload = %q %v", b, ok)
	}
	if _, ok := streamPayload(42); ok {
		t.Error("int payload accepted")
	}
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	if len(slidingWindowLua) == 0 {
		t.Fatal("sliding window script not embedded")
	}
}
