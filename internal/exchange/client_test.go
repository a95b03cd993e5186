package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseKlineRow(t *testing.T) {
	valid := []interface{}{
		float64(1700000000000), "50000.1", "50100.2", "49900.3", "50050.4", "12.5",
		float64(1700000059999),
	}

	k, err := parseKlineRow(valid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.OpenTime != 1700000000000 || k.CloseTime != 1700000059999 {
		t.Errorf("timestamps = %d/%d", k.OpenTime, k.CloseTime)
	}
	if k.High.String() != "50100.2" {
		t.Errorf("high = %s, want 50100.2", k.High)
	}

	tests := []struct {
		name string
		row  []interface{}
	}{
		{"too few fields", []interface{}{float64(1), "1", "1"}},
		{"string open time", []interface{}{"not-a-time", "1", "1", "1", "1", "1", float64(2)}},
		{"nil close time", []interface{}{float64(1), "1", "1", "1", "1", "1", nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseKlineRow(tt.row); err == nil {
				t.Error("malformed row must not parse")
			}
		})
	}
}

func TestKlinesMalformedPayloadReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[["bad-open-time","1","1","1","1","1",1700000059999]]`))
	}))
	defer srv.Close()

	c := NewClient("k", "s", srv.URL)
	_, err := c.Klines(context.Background(), "BTCUSDC", "1h", 10)
	if err == nil {
		t.Fatal("malformed kline payload must error")
	}
	var xerr *Error
	if !errors.As(err, &xerr) || xerr.Kind != KindExchange {
		t.Fatalf("err = %v, want exchange-kind error", err)
	}
}

func TestKlinesValidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			[1700000000000,"50000","50100","49900","50050","12.5",1700000059999,"0",0,"0","0","0"],
			[1700000060000,"50050","50200","50000","50150","10.0",1700000119999,"0",0,"0","0","0"]
		]`))
	}))
	defer srv.Close()

	c := NewClient("k", "s", srv.URL)
	klines, err := c.Klines(context.Background(), "BTCUSDC", "1h", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("klines = %d, want 2", len(klines))
	}
	if klines[1].Close.String() != "50150" {
		t.Errorf("close = %s, want 50150", klines[1].Close)
	}
}
