package money

import (
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Amount
		wantErr bool
	}{
		{name: "whole units", in: "10", want: 1000},
		{name: "one decimal", in: "10.5", want: 1050},
		{name: "two decimals", in: "10.50", want: 1050},
		{name: "minimum stake", in: "0.01", want: 1},
		{name: "sub-cent rejected", in: "10.505", wantErr: true},
		{name: "garbage rejected", in: "ten", wantErr: true},
		{name: "negative parses", in: "-2.50", want: -250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAmount(%q) expected error, got %d", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestAmountString(t *testing.T) {
	if got := Amount(1050).String(); got != "10.50" {
		t.Errorf("Amount(1050).String() = %q, want %q", got, "10.50")
	}
	if got := Amount(1).String(); got != "0.01" {
		t.Errorf("Amount(1).String() = %q, want %q", got, "0.01")
	}
}

func TestMultiplierFromFloat(t *testing.T) {
	m, err := MultiplierFromFloat(1.5)
	if err != nil {
		t.Fatalf("MultiplierFromFloat(1.5) error: %v", err)
	}
	if m != 150 {
		t.Errorf("MultiplierFromFloat(1.5) = %d, want 150", m)
	}

	if _, err := MultiplierFromFloat(1.505); err == nil {
		t.Error("MultiplierFromFloat(1.505) should reject sub-hundredth precision")
	}
}

func TestPayout(t *testing.T) {
	tests := []struct {
		name  string
		stake Amount
		mult  Multiplier
		want  Amount
	}{
		{name: "1.50x of 100.00", stake: 10000, mult: 150, want: 15000},
		{name: "2.45x of 100.00", stake: 10000, mult: 245, want: 24500},
		{name: "1.00x identity", stake: 5000, mult: 100, want: 5000},
		{name: "sub-cent truncated", stake: 1, mult: 150, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mult.Payout(tt.stake); got != tt.want {
				t.Errorf("Payout(%d x %d) = %d, want %d", tt.stake, tt.mult, got, tt.want)
			}
		})
	}
}
