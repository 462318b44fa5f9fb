package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifiedError_Format(t *testing.T) {
	plain := StoreError("insert build record failed").Build()
	if got, want := plain.Error(), "[store:error] insert build record failed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := WrapError(errors.New("database is locked"), CategoryStore, "insert build record failed").Build()
	if got, want := wrapped.Error(), "[store:error] insert build record failed: database is locked"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestClassifiedError_Detection(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(cause, CategoryNetwork, "publish status").
		Retryable().
		WithContext("subject", "buildcoord.build.b-1").
		Build()

	wrapped := fmt.Errorf("forward event: %w", err)
	if !IsClassified(wrapped) || !HasCategory(wrapped, CategoryNetwork) {
		t.Fatal("expected classification through wrapping")
	}
	if GetCategory(errors.New("plain")) != CategoryInternal {
		t.Error("unclassified errors should report CategoryInternal")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("expected cause in chain")
	}
	if !errors.Is(wrapped, NetworkError("publish status").Build()) {
		t.Error("expected Is to match on category and message")
	}
	if !err.CanRetry() {
		t.Error("expected retryable")
	}
	if subject, ok := err.Context().GetString("subject"); !ok || subject != "buildcoord.build.b-1" {
		t.Errorf("subject context = %q", subject)
	}
}

func TestClassifiedError_WithContextCopies(t *testing.T) {
	sentinel := NotFoundError("build not found").Build()
	decorated := sentinel.WithContext("id", "b-1")

	if _, ok := sentinel.Context()["id"]; ok {
		t.Error("WithContext modified the receiver")
	}
	if id, _ := decorated.Context().GetString("id"); id != "b-1" {
		t.Errorf("decorated id = %q", id)
	}
	if !errors.Is(decorated, sentinel) {
		t.Error("decorated error should still match its sentinel")
	}
}

func TestErrorBuilder_BuildIsIndependent(t *testing.T) {
	b := ValidationError("bad request").WithContext("field", "class")
	first := b.Build()
	b.WithContext("field", "revision")
	second := b.Build()

	if v, _ := first.Context().GetString("field"); v != "class" {
		t.Errorf("first build context changed to %q", v)
	}
	if v, _ := second.Context().GetString("field"); v != "revision" {
		t.Errorf("second build context = %q", v)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		builder  *ErrorBuilder
		category ErrorCategory
		severity ErrorSeverity
		canRetry bool
	}{
		{"config", ConfigError("x"), CategoryConfig, SeverityFatal, false},
		{"validation", ValidationError("x"), CategoryValidation, SeverityError, false},
		{"not found", NotFoundError("x"), CategoryNotFound, SeverityError, false},
		{"dependency", DependencyError("x"), CategoryDependency, SeverityError, false},
		{"network", NetworkError("x"), CategoryNetwork, SeverityError, true},
		{"git", GitError("x"), CategoryGit, SeverityError, true},
		{"executor", ExecutorError("x"), CategoryExecutor, SeverityError, false},
		{"store", StoreError("x"), CategoryStore, SeverityError, true},
		{"event store", EventStoreError("x"), CategoryEventStore, SeverityError, false},
		{"filesystem", FileSystemError("x"), CategoryFileSystem, SeverityError, true},
		{"runtime", RuntimeError("x"), CategoryRuntime, SeverityFatal, false},
		{"daemon", DaemonError("x"), CategoryDaemon, SeverityFatal, false},
		{"internal", InternalError("x"), CategoryInternal, SeverityFatal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.builder.Build()
			if err.Category() != tt.category || err.Severity() != tt.severity || err.CanRetry() != tt.canRetry {
				t.Errorf("got (%s, %s, retry=%v), want (%s, %s, retry=%v)",
					err.Category(), err.Severity(), err.CanRetry(), tt.category, tt.severity, tt.canRetry)
			}
		})
	}
}

func TestErrorContext_Merge(t *testing.T) {
	base := ErrorContext{"build_id": "b-1", "status": "RUNNING"}
	merged := base.Merge(ErrorContext{"status": "FAILED"})

	if s, _ := merged.GetString("status"); s != "FAILED" {
		t.Errorf("status = %q, want override", s)
	}
	if s, _ := base.GetString("status"); s != "RUNNING" {
		t.Error("Merge modified the receiver")
	}
	if _, ok := ErrorContext(nil).Set("k", 1)["k"]; !ok {
		t.Error("Set on nil context should allocate")
	}
}
