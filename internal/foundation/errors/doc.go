// Package errors classifies failures so the scheduler, the retry policy, the
// HTTP API and the CLI can react to them uniformly.
//
// A ClassifiedError carries a category (what failed), a severity (how bad)
// and a retry strategy (whether trying again can help), plus free-form
// context. Build them with NewError or one of the category constructors:
//
//	err := errors.StoreError("insert build record failed").
//		WithContext("build_id", id).
//		WithCause(cause).
//		Build()
//
// HTTPErrorAdapter and CLIErrorAdapter map categories to status and exit codes.
package errors
