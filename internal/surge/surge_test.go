package surge

import "testing"

func TestCalculateSurge_NoSignal(t *testing.T) {
	if m := CalculateSurge(0, 0, 1.0, 3.0, 0.5); m != 1.0 {
		t.Fatalf("expected 1.0 with no demand or supply, got %f", m)
	}
}

func TestCalculateSurge_NoCapacity(t *testing.T) {
	if m := CalculateSurge(10, 0, 1.0, 3.0, 0.5); m != 3.0 {
		t.Fatalf("expected max multiplier with demand and zero supply, got %f", m)
	}
}

func TestCalculateSurge_BalancedDemandSupply(t *testing.T) {
	// ratio == 1 -> no surge above baseline.
	if m := CalculateSurge(10, 10, 1.0, 3.0, 0.5); m != 1.0 {
		t.Fatalf("expected 1.0 at balanced demand/supply, got %f", m)
	}
}

func TestCalculateSurge_ClampsToMax(t *testing.T) {
	m := CalculateSurge(100, 1, 1.0, 3.0, 0.5)
	if m != 3.0 {
		t.Fatalf("expected multiplier clamped to max 3.0, got %f", m)
	}
}

func TestCalculateSurge_ClampsToMin(t *testing.T) {
	// demand well below supply would smooth below min; clamp brings it back.
	m := CalculateSurge(1, 100, 1.0, 3.0, 0.5)
	if m != 1.0 {
		t.Fatalf("expected multiplier clamped to min 1.0, got %f", m)
	}
}

func TestCalculateSurge_SmoothingDampensRatio(t *testing.T) {
	// demand double supply -> raw ratio 2.0, smoothing 0.5 halves the excess.
	m := CalculateSurge(20, 10, 1.0, 3.0, 0.5)
	want := 1.5
	if m != want {
		t.Fatalf("expected %f, got %f", want, m)
	}
}
