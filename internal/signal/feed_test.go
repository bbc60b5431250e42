package signal

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func encode(t *testing.T, intent Intent) []byte {
	t.Helper()
	data, err := msgpack.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return data
}

func TestDecodeIntentRoundTrip(t *testing.T) {
	want := Intent{
		StrategyID:    "momentum",
		Venue:         "venue-a",
		Symbol:        "BTC-USD",
		Side:          "BUY",
		Confidence:    0.85,
		ClientOrderID: "intent-7",
	}
	got, err := decodeIntent(encode(t, want))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got != want {
		t.Fatalf("decoded %+v, want %+v", got, want)
	}
}

func TestDecodeIntentRejectsInvalid(t *testing.T) {
	cases := []struct {
		name   string
		intent Intent
	}{
		{"missing strategy", Intent{Symbol: "BTC-USD", Side: "BUY", Confidence: 0.5}},
		{"missing symbol", Intent{StrategyID: "momentum", Side: "BUY", Confidence: 0.5}},
		{"bad side", Intent{StrategyID: "momentum", Symbol: "BTC-USD", Side: "HOLD", Confidence: 0.5}},
		{"confidence above one", Intent{StrategyID: "momentum", Symbol: "BTC-USD", Side: "SELL", Confidence: 1.5}},
		{"negative confidence", Intent{StrategyID: "momentum", Symbol: "BTC-USD", Side: "SELL", Confidence: -0.1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeIntent(encode(t, tc.intent)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDecodeIntentRejectsGarbage(t *testing.T) {
	if _, err := decodeIntent([]byte("not msgpack at all")); err == nil {
		t.Fatal("expected decode error")
	}
}
