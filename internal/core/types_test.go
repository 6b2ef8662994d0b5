package core

import (
	"testing"
	"time"
)

func TestErrorRate(t *testing.T) {
	tests := []struct {
		name  string
		usage UsageTotals
		want  float64
	}{
		{name: "no requests", usage: UsageTotals{}, want: 0},
		{name: "one third", usage: UsageTotals{TotalRequests: 3, FailureCount: 1}, want: 33.33},
		{name: "all failed", usage: UsageTotals{TotalRequests: 4, FailureCount: 4}, want: 100},
		{name: "negative total", usage: UsageTotals{TotalRequests: -1, FailureCount: 1}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.usage.ErrorRate(); got != tt.want {
				t.Fatalf("ErrorRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyUsageRequestCount(t *testing.T) {
	k := KeyUsage{AuthIndex: 1, FailedRequests: 2, SuccessRequests: 5}
	if got := k.RequestCount(); got != 7 {
		t.Fatalf("RequestCount() = %d, want 7", got)
	}
	sum := k.Add(KeyUsage{AuthIndex: 9, Tokens: 10, SuccessRequests: 1})
	if sum.AuthIndex != 1 || sum.Tokens != 10 || sum.RequestCount() != 8 {
		t.Fatalf("Add() = %+v", sum)
	}
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	snap := Snapshot{
		Keys:             map[int]KeyUsage{1: {AuthIndex: 1, Tokens: 5}},
		Runtime:          RuntimeState{Toggles: map[Setting]bool{SettingDebug: true}, Numbers: map[Setting]int{}},
		RequestErrorLogs: []string{"a.log"},
		Timestamp:        time.Now(),
	}
	clone := snap.Clone()
	clone.Keys[2] = KeyUsage{AuthIndex: 2}
	clone.Runtime.Toggles[SettingDebug] = false
	clone.RequestErrorLogs[0] = "b.log"

	if len(snap.Keys) != 1 {
		t.Fatalf("original keys mutated: %v", snap.Keys)
	}
	if !snap.Runtime.Toggles[SettingDebug] {
		t.Fatal("original toggles mutated")
	}
	if snap.RequestErrorLogs[0] != "a.log" {
		t.Fatal("original error logs mutated")
	}
}

func TestSnapshotAuthIndicesSorted(t *testing.T) {
	snap := Snapshot{Keys: map[int]KeyUsage{7: {}, 2: {}, 4: {}}}
	got := snap.AuthIndices()
	want := []int{2, 4, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AuthIndices() = %v, want %v", got, want)
		}
	}
}
