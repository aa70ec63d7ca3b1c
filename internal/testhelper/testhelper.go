// Package testhelper provides shared scaffolding for indexd tests.
package testhelper

import (
	"context"
	"testing"
	"time"
)

// ContextTimeout bounds every test context.
const ContextTimeout = 30 * time.Second

// Context returns a cancellable context for one test.
func Context() (context.Context, func()) {
	return context.WithTimeout(context.Background(), ContextTimeout)
}

// MustEventually polls cond until it holds or the deadline expires.
func MustEventually(tb testing.TB, timeout time.Duration, cond func() bool, msg string) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatalf("condition never held: %s", msg)
}
