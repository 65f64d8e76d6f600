package common

import "testing"

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		name string
		qty  float64
		step float64
		want float64
	}{
		{"floors to step", 0.123456, 0.001, 0.123},
		{"exact multiple unchanged", 0.3, 0.1, 0.3},
		{"whole lots", 17.9, 1, 17},
		{"below one step", 0.0004, 0.001, 0},
		{"no step", 1.23456, 0, 1.23456},
		{"negative clamps", -1, 0.01, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FloorToStep(tt.qty, tt.step); got != tt.want {
				t.Errorf("FloorToStep(%v, %v) = %v, want %v", tt.qty, tt.step, got, tt.want)
			}
		})
	}
}

func TestFormatQuantity(t *testing.T) {
	if got := FormatQuantity(0.123, 0.001); got != "0.123" {
		t.Errorf("got %s", got)
	}
	if got := FormatQuantity(17, 1); got != "17" {
		t.Errorf("got %s", got)
	}
	if got := FormatQuantity(0.5, 0.00001); got != "0.50000" {
		t.Errorf("got %s", got)
	}
}

func TestBaseAsset(t *testing.T) {
	if got := BaseAsset("BTCUSDT", "USDT"); got != "BTC" {
		t.Errorf("got %s", got)
	}
	if got := BaseAsset("USDT", "USDT"); got != "USDT" {
		t.Errorf("got %s", got)
	}
}
