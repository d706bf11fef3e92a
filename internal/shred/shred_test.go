package shred

import "testing"

func TestFingerprintWindowExcludesPrefix(t *testing.T) {
	payload := make([]byte, SignaturePrefixLen+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	window := FingerprintWindow(payload)
	if len(window) != 10 {
		t.Fatalf("expected window len 10, got %d", len(window))
	}
	if window[0] != byte(SignaturePrefixLen) {
		t.Fatalf("window does not start after prefix")
	}
}

func TestFingerprintWindowShortPayload(t *testing.T) {
	payload := []byte{1, 2, 3}
	window := FingerprintWindow(payload)
	if len(window) != len(payload) {
		t.Fatalf("expected short payload returned whole, got len %d", len(window))
	}
}

func TestTraceIDRoundTrip(t *testing.T) {
	payload := make([]byte, 16)
	payload[TraceIDOffset] = 0x34
	payload[TraceIDOffset+1] = 0x12
	id, ok := TraceID(payload)
	if !ok {
		t.Fatalf("expected ok")
	}
	if id != 0x1234 {
		t.Fatalf("expected 0x1234, got %#x", id)
	}
}

func TestTraceIDTooShort(t *testing.T) {
	_, ok := TraceID([]byte{1, 2})
	if ok {
		t.Fatalf("expected not ok for short payload")
	}
}

func TestMatchesTracePatternDisabledByZero(t *testing.T) {
	payload := make([]byte, 16)
	if MatchesTracePattern(payload, 0) {
		t.Fatalf("pattern 0 must disable sampling")
	}
}

func TestMatchesTracePatternMatch(t *testing.T) {
	payload := make([]byte, 16)
	payload[TraceIDOffset] = 0x02
	payload[TraceIDOffset+1] = 0x00
	if !MatchesTracePattern(payload, 2) {
		t.Fatalf("expected match on pattern 2")
	}
	if MatchesTracePattern(payload, 3) {
		t.Fatalf("expected no match on pattern 3")
	}
}
