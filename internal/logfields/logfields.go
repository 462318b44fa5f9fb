package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID         = "build_id"
	KeyGroupBuildID    = "group_build_id"
	KeyConfigurationID = "configuration_id"
	KeyGroupConfigID   = "group_configuration_id"
	KeyRevision        = "revision"
	KeyBuildClass      = "build_class"
	KeyStatus          = "status"
	KeyOldStatus       = "old_status"
	KeyVerdict         = "verdict"
	KeyReason          = "reason"
	KeyDurationMS      = "duration_ms"
	KeySchedule        = "schedule_name"
	KeySubscription    = "subscription_id"
	KeyEventKind       = "event_kind"
	KeyPath            = "path"
	KeyURL             = "url"
	KeyMethod          = "method"
	KeyRemoteAddr      = "remote_addr"
	KeyError           = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr        { return slog.String(KeyBuildID, id) }
func GroupBuildID(id string) slog.Attr   { return slog.String(KeyGroupBuildID, id) }
func ConfigurationID(id int) slog.Attr   { return slog.Int(KeyConfigurationID, id) }
func GroupConfigID(id int) slog.Attr     { return slog.Int(KeyGroupConfigID, id) }
func Revision(rev int) slog.Attr         { return slog.Int(KeyRevision, rev) }
func BuildClass(c string) slog.Attr      { return slog.String(KeyBuildClass, c) }
func Status(s string) slog.Attr          { return slog.String(KeyStatus, s) }
func OldStatus(s string) slog.Attr       { return slog.String(KeyOldStatus, s) }
func Verdict(v string) slog.Attr         { return slog.String(KeyVerdict, v) }
func Reason(r string) slog.Attr          { return slog.String(KeyReason, r) }
func DurationMS(ms float64) slog.Attr    { return slog.Float64(KeyDurationMS, ms) }
func ScheduleName(n string) slog.Attr    { return slog.String(KeySchedule, n) }
func SubscriptionID(id uint64) slog.Attr { return slog.Uint64(KeySubscription, id) }
func EventKind(k string) slog.Attr       { return slog.String(KeyEventKind, k) }
func Path(p string) slog.Attr            { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr             { return slog.String(KeyURL, u) }
func Method(m string) slog.Attr          { return slog.String(KeyMethod, m) }
func RemoteAddr(a string) slog.Attr      { return slog.String(KeyRemoteAddr, a) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
