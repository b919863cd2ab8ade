package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID     = "build_id"
	KeyProjectID   = "project_id"
	KeyTenantID    = "tenant_id"
	KeyStep        = "step"
	KeySequence    = "sequence"
	KeyRepo        = "repository"
	KeyBranch      = "branch"
	KeyCommit      = "commit"
	KeyEvent       = "event"
	KeyDelivery    = "delivery"
	KeyFingerprint = "fingerprint"
	KeyCategory    = "category"
	KeyBuildStatus = "build_status"
	KeyEnvID       = "environment_id"
	KeyPRNumber    = "pr_number"
	KeyDurationMS  = "duration_ms"
	KeyExitCode    = "exit_code"
	KeyWorker      = "worker"
	KeyMethod      = "method"
	KeyPath        = "path"
	KeyRemoteAddr  = "remote_addr"
	KeyRequestID   = "request_id"
	KeyStatus      = "status"
	KeyURL         = "url"
	KeySubject     = "subject"
	KeyCount       = "count"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id int64) slog.Attr       { return slog.Int64(KeyBuildID, id) }
func ProjectID(id int64) slog.Attr     { return slog.Int64(KeyProjectID, id) }
func TenantID(id string) slog.Attr     { return slog.String(KeyTenantID, id) }
func Step(name string) slog.Attr       { return slog.String(KeyStep, name) }
func Sequence(n int) slog.Attr         { return slog.Int(KeySequence, n) }
func Repository(r string) slog.Attr    { return slog.String(KeyRepo, r) }
func Branch(b string) slog.Attr        { return slog.String(KeyBranch, b) }
func Commit(sha string) slog.Attr      { return slog.String(KeyCommit, sha) }
func Event(e string) slog.Attr         { return slog.String(KeyEvent, e) }
func Delivery(id string) slog.Attr     { return slog.String(KeyDelivery, id) }
func Fingerprint(fp string) slog.Attr  { return slog.String(KeyFingerprint, fp) }
func Category(c string) slog.Attr      { return slog.String(KeyCategory, c) }
func BuildStatus(s string) slog.Attr   { return slog.String(KeyBuildStatus, s) }
func EnvironmentID(id int64) slog.Attr { return slog.Int64(KeyEnvID, id) }
func PRNumber(n int) slog.Attr         { return slog.Int(KeyPRNumber, n) }
func DurationMS(ms int64) slog.Attr    { return slog.Int64(KeyDurationMS, ms) }
func ExitCode(c int) slog.Attr         { return slog.Int(KeyExitCode, c) }
func Worker(w string) slog.Attr        { return slog.String(KeyWorker, w) }
func Method(m string) slog.Attr        { return slog.String(KeyMethod, m) }
func Path(p string) slog.Attr          { return slog.String(KeyPath, p) }
func RemoteAddr(a string) slog.Attr    { return slog.String(KeyRemoteAddr, a) }
func RequestID(id string) slog.Attr    { return slog.String(KeyRequestID, id) }
func Status(code int) slog.Attr        { return slog.Int(KeyStatus, code) }
func URL(u string) slog.Attr           { return slog.String(KeyURL, u) }
func Subject(s string) slog.Attr       { return slog.String(KeySubject, s) }
func Count(n int) slog.Attr            { return slog.Int(KeyCount, n) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
