// Package gtest contains small helpers shared by tests across the module.
package gtest

import (
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a logger that writes through t.Log,
// so output is only shown for failing or verbose tests.
func NewLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slogt.New(t)
}

var timeScale = func() float64 {
	s := os.Getenv("STAKECHAIN_TEST_TIME_SCALE")
	if s == "" {
		return 1
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 1
	}
	return f
}()

// ScaleMs returns ms milliseconds, multiplied by STAKECHAIN_TEST_TIME_SCALE if set.
func ScaleMs(ms int64) time.Duration {
	return time.Duration(float64(ms) * timeScale * float64(time.Millisecond))
}

// ReceiveOrTimeout receives from ch, failing the test if nothing arrives within timeout.
func ReceiveOrTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before receiving a value")
		}
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", timeout)
	}
	panic("unreachable")
}

// ReceiveSoon receives from ch with a short default timeout.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	return ReceiveOrTimeout(t, ch, ScaleMs(500))
}

// SendSoon sends v on ch, failing the test if the send blocks too long.
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScaleMs(500))
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatal("send did not complete in time")
	}
}

// NotSending asserts that ch has nothing ready to receive right now.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("unexpected value received: %v", v)
	default:
	}
}

// NotSendingSoon asserts that ch stays quiet for a short while.
func NotSendingSoon[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	timer := time.NewTimer(ScaleMs(50))
	defer timer.Stop()

	select {
	case v := <-ch:
		t.Fatalf("unexpected value received: %v", v)
	case <-timer.C:
	}
}

// Eventually polls cond until it returns true or the timeout passes.
func Eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(ScaleMs(2000))
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(ScaleMs(5))
	}
	t.Fatalf("condition not met in time: %s", msg)
}
