package coordinator

import (
	"testing"
	"time"
)

func TestHostLoadSampler_NotOverloadedBelowThreshold(t *testing.T) {
	s := newHostLoadSampler(time.Hour)
	defer s.Close()

	s.cpuThreshold = 90
	s.memThreshold = 90
	s.cpuPercentX1000 = 10_000 // 10%
	s.memPercentX1000 = 10_000

	if s.Overloaded() {
		t.Fatal("expected Overloaded to be false below threshold")
	}
}

func TestHostLoadSampler_OverloadedAboveEitherThreshold(t *testing.T) {
	s := newHostLoadSampler(time.Hour)
	defer s.Close()

	s.cpuThreshold = 90
	s.memThreshold = 90
	s.cpuPercentX1000 = 95_000 // 95%
	s.memPercentX1000 = 10_000

	if !s.Overloaded() {
		t.Fatal("expected Overloaded to be true when CPU exceeds threshold")
	}
}

func TestHostLoadSampler_NilReceiverIsNotOverloaded(t *testing.T) {
	var s *hostLoadSampler
	if s.Overloaded() {
		t.Fatal("expected a nil sampler to report not-overloaded")
	}
	s.Close() // must not panic
}

func TestHostLoadSampler_CloseIsIdempotent(t *testing.T) {
	s := newHostLoadSampler(time.Millisecond)
	s.Close()
	s.Close() // must not panic on double-close
}
