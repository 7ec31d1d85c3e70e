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
		attr    interface{}
	}{
		{"ProjectID", KeyProjectID, "proj-1", ProjectID("proj-1")},
		{"TaskID", KeyTaskID, "task-1", TaskID("task-1")},
		{"TaskType", KeyTaskType, "issue", TaskType("issue")},
		{"TaskStatus", KeyTaskStatus, "queued", TaskStatus("queued")},
		{"ScheduleID", KeyScheduleID, "chk1", ScheduleID("chk1")},
		{"Policy", KeyPolicy, "weighted", Policy("weighted")},
		{"Section", KeySection, "sec", Section("sec")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"File", KeyFile, "file.md", File("file.md")},
		{"Worker", KeyWorker, "w1", Worker("w1")},
		{"Method", KeyMethod, "dispatch", Method("dispatch")},
		{"RemoteAddr", KeyRemoteAddr, "1.2.3.4", RemoteAddr("1.2.3.4")},
		{"RequestID", KeyRequestID, "rid", RequestID("rid")},
		{"Outcome", KeyOutcome, "success", Outcome("success")},
		{"Name", KeyName, "n", Name("n")},
		{"URL", KeyURL, "http://example", URL("http://example")},
	}

	for _, tc := range cases {
		a := tc.attr.(slog.Attr)
		if a.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, a.Key)
		}
		if got := a.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric & float helpers.
func TestNumericHelpers(t *testing.T) {
	if v := Priority(5); v.Key != KeyPriority {
		t.Fatalf("Priority key mismatch: %s", v.Key)
	}
	if v := Status(200); v.Key != KeyStatus {
		t.Fatalf("Status key mismatch: %s", v.Key)
	}
	if v := ResponseSize(42); v.Key != KeyResponseSz {
		t.Fatalf("ResponseSize key mismatch: %s", v.Key)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
	if v := RetryCount(3); v.Key != KeyRetryCount {
		t.Fatalf("RetryCount key mismatch: %s", v.Key)
	}
	if v := IssueNumber(42); v.Key != KeyIssueNumber {
		t.Fatalf("IssueNumber key mismatch: %s", v.Key)
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
