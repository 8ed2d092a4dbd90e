package models

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want *big.Rat
		ok   bool
	}{
		{"10.50", big.NewRat(21, 2), true},
		{"0.01", big.NewRat(1, 100), true},
		{"1000", big.NewRat(1000, 1), true},
		{" 3.50 ", big.NewRat(7, 2), true},
		{"", nil, false},
		{"1e3", nil, false},
		{"1.5E2", nil, false},
		{"+5", nil, false},
		{"abc", nil, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil {
				t.Errorf("ParseAmount(%q): %v", tc.in, err)
				continue
			}
			if got.Cmp(tc.want) != 0 {
				t.Errorf("ParseAmount(%q) = %s, want %s", tc.in, got, tc.want)
			}
			continue
		}
		if err == nil {
			t.Errorf("ParseAmount(%q): expected error", tc.in)
		}
	}
}

func TestMaskAccount(t *testing.T) {
	cases := []struct{ in, want string }{
		{"DE89370400440532013000", "******************3000"},
		{"1234", "1234"},
		{"123", "123"},
		{"", ""},
		{"12345", "*2345"},
	}
	for _, tc := range cases {
		if got := MaskAccount(tc.in); got != tc.want {
			t.Errorf("MaskAccount(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStrictDecodeRejectsUnknownFields(t *testing.T) {
	var payee Payee
	err := StrictDecode(json.RawMessage(`{"id":"86344","commonName":"Space Shop","extra":true}`), &payee)
	if err == nil {
		t.Fatal("expected unknown field rejection")
	}
}

func TestStrictDecodeRejectsTrailingData(t *testing.T) {
	var payee Payee
	err := StrictDecode(json.RawMessage(`{"id":"86344","commonName":"Space Shop"}{"id":"x"}`), &payee)
	if err == nil {
		t.Fatal("expected trailing data rejection")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 17, 11, 33, 52, 987654321, time.UTC)
	formatted := FormatTime(now)
	parsed, err := ParseTime(formatted)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(now.Truncate(time.Second)) {
		t.Fatalf("round trip changed value: %s vs %s", parsed, now)
	}
}

func TestFormatTimeIsUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	formatted := FormatTime(time.Date(2024, 1, 1, 12, 0, 0, 0, loc))
	if formatted != "2024-01-01T11:00:00Z" {
		t.Fatalf("got %s", formatted)
	}
}
