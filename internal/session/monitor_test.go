package session

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitorSendsHeartbeats(t *testing.T) {
	var sends atomic.Int32
	m := NewMonitor(5*time.Millisecond, func() error {
		sends.Add(1)
		return nil
	}, func() {
		t.Error("onFail called for healthy sends")
	})
	m.Start()
	defer m.Stop()

	deadline := time.After(time.Second)
	for sends.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d heartbeats sent", sends.Load())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestMonitorReportsFailureOnce(t *testing.T) {
	var fails atomic.Int32
	m := NewMonitor(time.Millisecond, func() error {
		return errors.New("channel closed")
	}, func() {
		fails.Add(1)
	})
	m.Start()
	defer m.Stop()

	deadline := time.After(time.Second)
	for fails.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("onFail never called")
		case <-time.After(time.Millisecond):
		}
	}

	// The loop exits after the first failure; no second report may appear.
	time.Sleep(20 * time.Millisecond)
	if got := fails.Load(); got != 1 {
		t.Fatalf("onFail called %d times, want 1", got)
	}
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	m := NewMonitor(time.Millisecond, func() error { return nil }, func() {})
	m.Start()
	m.Stop()
	m.Stop()
}

func TestMonitorTouch(t *testing.T) {
	m := NewMonitor(time.Hour, func() error { return nil }, func() {})
	before := m.LastSeen()
	time.Sleep(2 * time.Millisecond)
	m.Touch()
	if !m.LastSeen().After(before) {
		t.Fatal("Touch did not advance LastSeen")
	}
}
