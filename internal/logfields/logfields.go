// Package logfields provides canonical log field names and helpers for structured logging in the daemon.
package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
// These are used for structured logging with slog.
const (
	KeyProjectID   = "project_id"
	KeyTaskID      = "task_id"
	KeyTaskType    = "task_type"
	KeyPriority    = "priority"
	KeyTaskStatus  = "task_status"
	KeyStage       = "stage"
	KeyDurationMS  = "duration_ms"
	KeyScheduleID  = "schedule_id"
	KeyPolicy      = "dispatch_policy"
	KeyIssueNumber = "issue_number"
	KeySection     = "section"
	KeyError       = "error"
	KeyPath        = "path"
	KeyFile        = "file"
	KeyWorker      = "worker"
	KeyMethod      = "method"
	KeyRemoteAddr  = "remote_addr"
	KeyRequestID   = "request_id"
	KeyStatus      = "status"
	KeyResponseSz  = "response_size"
	KeyOutcome     = "outcome"
	KeyRetryCount  = "retry_count"
	KeyName        = "name"
	KeyURL         = "url"
)

// ProjectID returns a slog.Attr for a project's identifier.
func ProjectID(id string) slog.Attr { return slog.String(KeyProjectID, id) }

// TaskID returns a slog.Attr for a task's identifier.
func TaskID(id string) slog.Attr { return slog.String(KeyTaskID, id) }

// TaskType returns a slog.Attr for a task type (e.g. "issue", "comment").
func TaskType(t string) slog.Attr { return slog.String(KeyTaskType, t) }

// Priority returns a slog.Attr for a numeric priority value.
func Priority(p int) slog.Attr { return slog.Int(KeyPriority, p) }

// TaskStatus returns a slog.Attr for a task's status.
func TaskStatus(s string) slog.Attr { return slog.String(KeyTaskStatus, s) }

// Stage returns a slog.Attr for a pipeline stage name.
func Stage(name string) slog.Attr { return slog.String(KeyStage, name) }

// DurationMS returns a slog.Attr for a duration in milliseconds.
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

// ScheduleID returns a slog.Attr for a schedule/check identifier.
func ScheduleID(id string) slog.Attr { return slog.String(KeyScheduleID, id) }

// Policy returns a slog.Attr for the active dispatch policy name.
func Policy(p string) slog.Attr { return slog.String(KeyPolicy, p) }

// IssueNumber returns a slog.Attr for a GitHub issue number.
func IssueNumber(n int) slog.Attr { return slog.Int(KeyIssueNumber, n) }

// Section returns a slog.Attr for a section name.
func Section(s string) slog.Attr { return slog.String(KeySection, s) }

// Path returns a slog.Attr for a file path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// File returns a slog.Attr for a file name.
func File(f string) slog.Attr { return slog.String(KeyFile, f) }

// Worker returns a slog.Attr for a worker ID.
func Worker(id string) slog.Attr { return slog.String(KeyWorker, id) }

// Method returns a slog.Attr for an IPC/HTTP method name.
func Method(m string) slog.Attr { return slog.String(KeyMethod, m) }

// RemoteAddr returns a slog.Attr for a remote address.
func RemoteAddr(a string) slog.Attr { return slog.String(KeyRemoteAddr, a) }

// RequestID returns a slog.Attr for a request ID.
func RequestID(id string) slog.Attr { return slog.String(KeyRequestID, id) }

// Status returns a slog.Attr for a status code.
func Status(code int) slog.Attr { return slog.Int(KeyStatus, code) }

// ResponseSize returns a slog.Attr for a response size in bytes.
func ResponseSize(sz int) slog.Attr { return slog.Int(KeyResponseSz, sz) }

// Outcome returns a slog.Attr for a task execution outcome.
func Outcome(o string) slog.Attr { return slog.String(KeyOutcome, o) }

// RetryCount returns a slog.Attr for the current retry attempt count.
func RetryCount(n int) slog.Attr { return slog.Int(KeyRetryCount, n) }

// Name returns a slog.Attr for a generic name field.
func Name(n string) slog.Attr { return slog.String(KeyName, n) }

// URL returns a slog.Attr for a URL field.
func URL(u string) slog.Attr { return slog.String(KeyURL, u) }

// Error returns a slog.Attr for an error, or an empty string if nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
