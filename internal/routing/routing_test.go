package routing

import (
	"encoding/json"
	"testing"
)

func TestDomainOf(t *testing.T) {
	cases := map[string]string{
		"alice::example.com": "example.com",
		"bob::sub.example.com": "sub.example.com",
		"malformed":           "",
	}
	for addr, want := range cases {
		if got := domainOf(addr); got != want {
			t.Errorf("domainOf(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestRawJSONEmbedsWithoutDoubleEncoding(t *testing.T) {
	inner := []byte(`{"a":1}`)
	frame := map[string]interface{}{"envelope": rawJSON(inner)}

	out, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded["envelope"]) != `{"a":1}` {
		t.Errorf("envelope = %s, want {\"a\":1}", decoded["envelope"])
	}
}
