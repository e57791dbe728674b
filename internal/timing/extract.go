package timing

import (
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"liminal/pkg/fieldpath"
)

// ExtractEventTime reads a timestamp from payload at path. Integers are
// milliseconds since the epoch, fractional numbers are seconds and strings
// are RFC 3339.
func ExtractEventTime(payload map[string]interface{}, path string) (time.Time, bool) {
	if path == "" {
		return time.Time{}, false
	}
	res, ok := fieldpath.Get(payload, path)
	if !ok {
		return time.Time{}, false
	}
	return ParseTimestamp(res)
}

func ParseTimestamp(res gjson.Result) (time.Time, bool) {
	switch res.Type {
	case gjson.Number:
		if strings.ContainsAny(res.Raw, ".eE") {
			sec, frac := math.Modf(res.Num)
			return time.Unix(int64(sec), int64(frac*1e9)), true
		}
		return time.UnixMilli(res.Int()), true
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, res.Str)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}
