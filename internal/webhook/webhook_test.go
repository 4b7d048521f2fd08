package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/uamrelay/relay/internal/auth"
	"github.com/uamrelay/relay/internal/models"
)

func TestSignatureVerifiableByTokenHolder(t *testing.T) {
	// End-to-end key agreement: registration mints a token, the agent row
	// stores it, the worker signs with the stored value, and an external
	// receiver holding only the registration response's token verifies the
	// header with that literal token.
	token, err := auth.IssueToken()
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	agent := &models.Agent{Address: "bob::relay.test", Token: token}

	body := []byte(`{"version":1,"type":"message"}`)
	header := SignBody(agent.Token, body)

	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	receiverSide := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if header != receiverSide {
		t.Errorf("worker header %q does not verify under the agent's bearer token (receiver computed %q)", header, receiverSide)
	}
	if !strings.HasPrefix(header, "sha256=") {
		t.Errorf("signature %q missing sha256= prefix", header)
	}
}

func TestSignBodyDiffersPerKeyAndBody(t *testing.T) {
	body := []byte("payload")
	if SignBody("key-one", body) == SignBody("key-two", body) {
		t.Error("same signature under different keys")
	}
	if SignBody("key-one", body) == SignBody("key-one", []byte("other")) {
		t.Error("same signature over different bodies")
	}
}

func TestValidateURLRejectsUnsafeTargets(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		url  string
	}{
		{"plain http", "http://example.com/hook"},
		{"loopback literal", "https://127.0.0.1/hook"},
		{"metadata ip", "https://169.254.169.254/latest/meta-data"},
		{"metadata hostname", "https://metadata.google.internal/computeMetadata"},
		{"private literal", "https://10.0.0.1/hook"},
		{"link local", "https://169.254.1.1/hook"},
		{"no hostname", "https:///hook"},
		{"garbage", "::::"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateURL(ctx, tc.url); err == nil {
				t.Errorf("ValidateURL(%q) accepted an unsafe target", tc.url)
			}
		})
	}
}

func TestRetryScheduleShape(t *testing.T) {
	if len(RetrySchedule) != 5 {
		t.Fatalf("schedule length = %d, want 5", len(RetrySchedule))
	}
	if RetrySchedule[0] != 0 {
		t.Errorf("first attempt delay = %v, want immediate", RetrySchedule[0])
	}
	for i := 1; i < len(RetrySchedule); i++ {
		if RetrySchedule[i] <= RetrySchedule[i-1] {
			t.Errorf("schedule not strictly increasing at %d: %v then %v",
				i, RetrySchedule[i-1], RetrySchedule[i])
		}
	}
	if RetrySchedule[len(RetrySchedule)-1] != 2*time.Hour {
		t.Errorf("final delay = %v, want 2h", RetrySchedule[len(RetrySchedule)-1])
	}
}

func TestCircuitStateRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	state := circuitState{OpenedAt: &now, ConsecutiveFail: 4}

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	loaded := loadCircuitState(data)
	if loaded.ConsecutiveFail != 4 {
		t.Errorf("ConsecutiveFail = %d, want 4", loaded.ConsecutiveFail)
	}
	if loaded.OpenedAt == nil || !loaded.OpenedAt.Equal(now) {
		t.Errorf("OpenedAt = %v, want %v", loaded.OpenedAt, now)
	}
}

func TestLoadCircuitStateTolerant(t *testing.T) {
	if s := loadCircuitState(nil); s.OpenedAt != nil || s.ConsecutiveFail != 0 {
		t.Error("empty meta should yield a closed circuit")
	}
	if s := loadCircuitState([]byte("not json")); s.OpenedAt != nil {
		t.Error("malformed meta should yield a closed circuit, not an error")
	}
}
