package logfields

import (
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"BuildID", KeyBuildID, "b-1", BuildID("b-1")},
		{"GroupBuildID", KeyGroupBuildID, "g-1", GroupBuildID("g-1")},
		{"BuildClass", KeyBuildClass, "temporary", BuildClass("temporary")},
		{"Status", KeyStatus, "RUNNING", Status("RUNNING")},
		{"OldStatus", KeyOldStatus, "ENQUEUED", OldStatus("ENQUEUED")},
		{"Verdict", KeyVerdict, "SKIP", Verdict("SKIP")},
		{"Reason", KeyReason, "forced", Reason("forced")},
		{"ScheduleName", KeySchedule, "nightly", ScheduleName("nightly")},
		{"EventKind", KeyEventKind, "build_status_changed", EventKind("build_status_changed")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"URL", KeyURL, "nats://localhost", URL("nats://localhost")},
		{"Method", KeyMethod, "POST", Method("POST")},
	}

	for _, tc := range cases {
		if tc.attr.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, tc.attr.Key)
		}
		if got := tc.attr.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric helpers.
func TestNumericHelpers(t *testing.T) {
	if v := ConfigurationID(5); v.Key != KeyConfigurationID || v.Value.Int64() != 5 {
		t.Fatalf("ConfigurationID mismatch: %v", v)
	}
	if v := Revision(3); v.Key != KeyRevision {
		t.Fatalf("Revision key mismatch: %s", v.Key)
	}
	if v := SubscriptionID(7); v.Key != KeySubscription || v.Value.Uint64() != 7 {
		t.Fatalf("SubscriptionID mismatch: %v", v)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("Expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errTest{})
	if attr.Value.String() != "err-test" {
		t.Fatalf("Expected 'err-test', got %s", attr.Value.String())
	}
}

type errTest struct{}

func (e errTest) Error() string { return "err-test" }
