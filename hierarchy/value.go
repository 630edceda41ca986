package hierarchy

import (
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// ConvertValue coerces a raw or computed value into the representation of
// the given data type: float64, int64, decimal.Decimal, bool or string.
func ConvertValue(kind DataType, value interface{}) (interface{}, error) {
	switch kind {
	case DataTypeFloat:
		return convertFloatValue(value)
	case DataTypeInteger:
		return convertIntegerValue(value)
	case DataTypeDecimal:
		return convertDecimalValue(value)
	case DataTypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case int:
			return v != 0, nil
		case int64:
			return v != 0, nil
		case float64:
			return v != 0, nil
		default:
			return nil, fmt.Errorf("expected bool-compatible value, got %T", value)
		}
	case DataTypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			return nil, fmt.Errorf("expected string value, got %T", value)
		}
	default:
		return nil, fmt.Errorf("unsupported data type %q", kind)
	}
}

func convertFloatValue(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid float value %v", v)
		}
		return v, nil
	case float32:
		return convertFloatValue(float64(v))
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse float from string: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected number-compatible value, got %T", value)
	}
}

func convertIntegerValue(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid float value %v", v)
		}
		return int64(v), nil
	case decimal.Decimal:
		return v.IntPart(), nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse integer from string: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected integer-compatible value, got %T", value)
	}
}

func convertDecimalValue(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("invalid float value %v", v)
		}
		return decimal.NewFromFloat(v), nil
	case string:
		dec, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse decimal from string: %w", err)
		}
		return dec, nil
	default:
		return decimal.Zero, fmt.Errorf("expected decimal-compatible value, got %T", value)
	}
}
