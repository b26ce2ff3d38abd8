package room

import (
	"testing"

	"go.uber.org/goleak"
)

// Room actors run on their own goroutines; every test must leave none behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
