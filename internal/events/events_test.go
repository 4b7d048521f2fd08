package events

import (
	"strings"
	"testing"
)

func TestSubjectsShareStreamPrefix(t *testing.T) {
	// The wake-up stream subscribes to "uam.>"; every subject constant must
	// fall under it or its nudges would be silently dropped.
	subjects := []string{
		SubjectWebhookEnqueued,
		SubjectFederationEnqueued,
		SubjectSweepTick,
	}
	for _, s := range subjects {
		if !strings.HasPrefix(s, "uam.") {
			t.Errorf("subject %q does not fall under the uam.> stream", s)
		}
	}
}

func TestSubjectsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []string{SubjectWebhookEnqueued, SubjectFederationEnqueued, SubjectSweepTick} {
		if seen[s] {
			t.Errorf("duplicate subject %q", s)
		}
		seen[s] = true
	}
}
