package util

import (
	"math"
	"testing"
)

const eps = 1e-9

func TestTickRounding(t *testing.T) {
	tests := []struct {
		name      string
		x         float64
		tick      float64
		wantRound float64
		wantFloor float64
		wantCeil  float64
	}{
		{"effective price below strike", 499.9732, 0.01, 499.97, 499.97, 499.98},
		{"effective price above strike", 500.0368, 0.01, 500.04, 500.03, 500.04},
		{"already on tick", 412.5, 0.25, 412.5, 412.5, 412.5},
		{"nickel increments", 2.07, 0.05, 2.05, 2.05, 2.10},
		{"negative value", -3.1234, 0.01, -3.12, -3.13, -3.12},
		{"negative tick uses absolute value", 101.236, -0.01, 101.24, 101.23, 101.24},
		{"zero tick returns input", 1.2345, 0, 1.2345, 1.2345, 1.2345},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundToTick(tt.x, tt.tick); math.Abs(got-tt.wantRound) > eps {
				t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.wantRound)
			}
			if got := FloorToTick(tt.x, tt.tick); math.Abs(got-tt.wantFloor) > eps {
				t.Errorf("FloorToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.wantFloor)
			}
			if got := CeilToTick(tt.x, tt.tick); math.Abs(got-tt.wantCeil) > eps {
				t.Errorf("CeilToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.wantCeil)
			}
		})
	}
}

func TestTickRounding_NonFinite(t *testing.T) {
	for _, x := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		for name, fn := range map[string]func(float64, float64) float64{
			"RoundToTick": RoundToTick,
			"FloorToTick": FloorToTick,
			"CeilToTick":  CeilToTick,
		} {
			got := fn(x, 0.01)
			if math.IsNaN(x) {
				if !math.IsNaN(got) {
					t.Errorf("%s(NaN) = %v, want NaN", name, got)
				}
				continue
			}
			if got != x {
				t.Errorf("%s(%v) = %v, want input unchanged", name, x, got)
			}
		}
	}
}

func TestSpread(t *testing.T) {
	tests := []struct {
		name           string
		bid, ask, want float64
	}{
		{"normal quote", 499.98, 500.02, 0.04},
		{"locked quote", 500, 500, 0},
		{"missing bid", 0, 500.02, 0},
		{"missing ask", 499.98, 0, 0},
		{"crossed quote", 500.02, 499.98, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Spread(tt.bid, tt.ask); math.Abs(got-tt.want) > eps {
				t.Errorf("Spread(%v, %v) = %v, want %v", tt.bid, tt.ask, got, tt.want)
			}
		})
	}
}
