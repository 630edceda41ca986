package hierarchy

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestConvertValueFloat(t *testing.T) {
	got, err := ConvertValue(DataTypeFloat, 3)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if got != 3.0 {
		t.Fatalf("unexpected value %v", got)
	}
	if _, err := ConvertValue(DataTypeFloat, math.Inf(1)); err == nil {
		t.Fatal("expected error for non-finite float")
	}
}

func TestConvertValueInteger(t *testing.T) {
	got, err := ConvertValue(DataTypeInteger, 4.0)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if got != int64(4) {
		t.Fatalf("unexpected value %v", got)
	}
	got, err = ConvertValue(DataTypeInteger, 4.9)
	if err != nil || got != int64(4) {
		t.Fatalf("fractional values should truncate: %v %v", got, err)
	}
}

func TestConvertValueDecimal(t *testing.T) {
	got, err := ConvertValue(DataTypeDecimal, "12.50")
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	want := decimal.RequireFromString("12.50")
	if dec, ok := got.(decimal.Decimal); !ok || !dec.Equal(want) {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestConvertValueBoolAndString(t *testing.T) {
	got, err := ConvertValue(DataTypeBool, 1.0)
	if err != nil || got != true {
		t.Fatalf("bool conversion: %v %v", got, err)
	}
	if _, err := ConvertValue(DataTypeString, 5); err == nil {
		t.Fatal("expected string conversion error")
	}
}
