package sandbox

import (
	"fmt"
	"math"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// FormatValue renders a Lua value the way print() joins its arguments: nil
// as "nil", booleans lowercase, integral numbers without a decimal point,
// other numbers via shortest-round-trip decimal, strings verbatim, and
// tables/functions/userdata/threads by their type name.
func FormatValue(v lua.LValue) string {
	switch lv := v.(type) {
	case *lua.LNilType:
		return "nil"
	case lua.LBool:
		if bool(lv) {
			return "true"
		}
		return "false"
	case lua.LNumber:
		return formatNumber(float64(lv))
	case lua.LString:
		return string(lv)
	default:
		return v.Type().String()
	}
}

func formatNumber(n float64) string {
	if !math.IsInf(n, 0) && !math.IsNaN(n) && n == math.Trunc(n) &&
		n >= math.MinInt64 && n <= math.MaxInt64 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// ToJSON converts a Lua value to a plain Go value suitable for
// encoding/json: nil, bool, int64/float64, string, []any, or map[string]any.
// Tables convert by an array/object heuristic: dense 1-based integer keys
// become a JSON array, anything else a JSON object with string keys. A
// non-string key in an object-shaped table is an error.
func ToJSON(v lua.LValue) (any, error) {
	switch lv := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(lv), nil
	case lua.LNumber:
		return numberToJSON(float64(lv)), nil
	case lua.LString:
		return string(lv), nil
	case *lua.LTable:
		return tableToJSON(lv)
	default:
		return nil, nil
	}
}

func numberToJSON(n float64) any {
	if !math.IsInf(n, 0) && !math.IsNaN(n) && n == math.Trunc(n) &&
		n >= -(1<<63) && n < (1<<63) {
		return int64(n)
	}
	return n
}

func tableToJSON(t *lua.LTable) (any, error) {
	border := t.Len()
	total := 0
	t.ForEach(func(lua.LValue, lua.LValue) { total++ })

	isArray := border > 0 && border == total
	if isArray {
		for i := 1; i <= border; i++ {
			if t.RawGetInt(i) == lua.LNil {
				isArray = false
				break
			}
		}
	}

	if isArray {
		arr := make([]any, 0, border)
		for i := 1; i <= border; i++ {
			val, err := ToJSON(t.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		return arr, nil
	}

	obj := make(map[string]any, total)
	var rangeErr error
	t.ForEach(func(k, v lua.LValue) {
		if rangeErr != nil {
			return
		}
		ks, ok := k.(lua.LString)
		if !ok {
			rangeErr = fmt.Errorf("table has non-string key %v, cannot convert to a JSON object", k)
			return
		}
		jv, err := ToJSON(v)
		if err != nil {
			rangeErr = err
			return
		}
		obj[string(ks)] = jv
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	return obj, nil
}

// FromJSON builds a Lua value from a Go value produced by encoding/json
// (nil, bool, float64, string, []any, map[string]any), or by ToJSON
// (int64 additionally).
func FromJSON(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, e := range val {
			t.RawSetInt(i+1, FromJSON(L, e))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range val {
			t.RawSetString(k, FromJSON(L, e))
		}
		return t
	default:
		return lua.LNil
	}
}
