package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildStatus_Terminal(t *testing.T) {
	require.Len(t, TerminalStatuses(), 6)
	require.Len(t, NonTerminalStatuses(), 4)
	require.False(t, StatusRunning.IsTerminal())
	require.True(t, StatusNoRebuildRequired.IsTerminal())
	require.True(t, StatusNoRebuildRequired.Satisfies())
	require.False(t, StatusRejected.Satisfies())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" success ")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, s)

	_, err = ParseStatus("exploded")
	require.Error(t, err)
}

func TestParseBuildClass(t *testing.T) {
	c, err := ParseBuildClass("TEMPORARY")
	require.NoError(t, err)
	require.Equal(t, ClassTemporary, c)

	_, err = ParseBuildClass("ephemeral")
	require.Error(t, err)
}

func TestDeriveGroupStatus(t *testing.T) {
	cases := []struct {
		name    string
		members []BuildStatus
		want    BuildStatus
	}{
		{"all success", []BuildStatus{StatusSuccess, StatusNoRebuildRequired}, StatusSuccess},
		{"one running", []BuildStatus{StatusSuccess, StatusRunning}, StatusRunning},
		{"failed wins over rejected", []BuildStatus{StatusRejected, StatusFailed}, StatusFailed},
		{"rejected without failure", []BuildStatus{StatusSuccess, StatusRejected}, StatusRejected},
		{"system error", []BuildStatus{StatusSystemError, StatusCancelled}, StatusSystemError},
		{"cancelled", []BuildStatus{StatusCancelled, StatusSuccess}, StatusCancelled},
		{"failed but one pending", []BuildStatus{StatusFailed, StatusWaitingForDependencies}, StatusRunning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveGroupStatus(tc.members); got != tc.want {
				t.Errorf("DeriveGroupStatus(%v) = %s, want %s", tc.members, got, tc.want)
			}
		})
	}
}

func TestRevision_SameContent(t *testing.T) {
	cfg := BuildConfiguration{ID: 1, Name: "dep", Script: "make", Dependencies: []int{3, 2, 3}}
	a := cfg.Snapshot(1, time.Now())
	require.Equal(t, []int{2, 3}, a.Dependencies)

	b := cfg.Snapshot(2, time.Now().Add(time.Hour))
	require.True(t, a.SameContent(b))

	cfg.Script = "make all"
	require.False(t, a.SameContent(cfg.Snapshot(3, time.Now())))
}

func TestBuildRecord_CloneIsDeep(t *testing.T) {
	now := time.Now()
	r := &BuildRecord{ID: "x", StartTime: &now, DependencyRevisions: map[int]int{1: 2}}
	c := r.Clone()
	c.DependencyRevisions[1] = 9
	*c.StartTime = now.Add(time.Hour)
	require.Equal(t, 2, r.DependencyRevisions[1])
	require.Equal(t, now, *r.StartTime)
}
