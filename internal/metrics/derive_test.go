package metrics

import "testing"

func TestDeriveNonePassesThroughRaw(t *testing.T) {
	if got := deriveValue(DeriveNone, 42, 0, false, 0); got != float64(42) {
		t.Fatalf("got %v", got)
	}
}

func TestDeriveDeltaFirstSampleIsFalse(t *testing.T) {
	if got := deriveValue(DeriveDelta, 10, 0, false, 1000); got != false {
		t.Fatalf("expected false on first sample, got %v", got)
	}
}

func TestDeriveDeltaSubtractsPrevious(t *testing.T) {
	got := deriveValue(DeriveDelta, 30, 10, true, 1000)
	if got != float64(20) {
		t.Fatalf("got %v", got)
	}
}

func TestDeriveRateFirstSampleIsFalse(t *testing.T) {
	if got := deriveValue(DeriveRate, 10, 0, false, 100); got != false {
		t.Fatalf("expected false on first sample, got %v", got)
	}
}

func TestDeriveRateScalesByElapsedTime(t *testing.T) {
	got := deriveValue(DeriveRate, 10, 0, true, 100)
	if got != float64(100) {
		t.Fatalf("got %v", got)
	}
}

func TestDeriveRateZeroIntervalIsFalse(t *testing.T) {
	if got := deriveValue(DeriveRate, 10, 0, true, 0); got != false {
		t.Fatalf("expected false on non-positive interval, got %v", got)
	}
}
