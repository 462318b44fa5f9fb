package metrics

import "time"

// Recorder defines observability hooks for the build coordinator. Implementations
// may forward to Prometheus or any other backend. NoopRecorder is the default.
type Recorder interface {
	ObserveBuildDuration(class string, d time.Duration)
	ObserveQueueWait(d time.Duration)
	IncBuildOutcome(status string)
	IncGroupOutcome(status string)
	IncDecision(verdict, reason string)
	SetRunningBuilds(n int)
	IncDroppedEvents(kind string)
	IncPublishRetry(target string)
	IncPublishRetryExhausted(target string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) ObserveQueueWait(time.Duration)             {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) IncGroupOutcome(string)                     {}
func (NoopRecorder) IncDecision(string, string)                 {}
func (NoopRecorder) SetRunningBuilds(int)                       {}
func (NoopRecorder) IncDroppedEvents(string)                    {}
func (NoopRecorder) IncPublishRetry(string)                     {}
func (NoopRecorder) IncPublishRetryExhausted(string)            {}
