package settle

import (
	"testing"
)

func TestRewardWei(t *testing.T) {
	cases := []struct {
		name  string
		score uint64
		want  string
	}{
		{"zero", 0, "0"},
		{"below one unit", 99, "0"},
		{"one unit", 100, "1000000000000000000"},
		{"mid", 123456, "1234000000000000000000"},
		{"at cap", 1_000_000, "10000000000000000000000"},
		{"above cap", 3_955_270_456, "10000000000000000000000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RewardWei(tc.score)
			if got.Dec() != tc.want {
				t.Fatalf("reward(%d) = %s, want %s", tc.score, got.Dec(), tc.want)
			}
		})
	}
}

func TestParseRewardWeiRoundTrip(t *testing.T) {
	amount := RewardWei(123456)
	parsed, err := ParseRewardWei(amount.Dec())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.String() != amount.Dec() {
		t.Fatalf("round trip mismatch: %s vs %s", parsed.String(), amount.Dec())
	}
	if _, err := ParseRewardWei("not-a-number"); err == nil {
		t.Fatalf("expected parse error")
	}
}
