// Package limits enforces byte-accurate size bounds on tool outputs and
// trigger data. Accounting is exact: strings count UTF-8 bytes, buffers
// count length, arrays sum their elements, maps count their canonical JSON
// form, nil counts zero, scalars count their stringified length.
package limits

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/fault"
)

const (
	// DefaultToolOutputMaxBytes caps tool outputs at 1 MiB.
	DefaultToolOutputMaxBytes = 1 << 20
	// DefaultTriggerDataMaxBytes caps incoming trigger data at 256 KiB.
	DefaultTriggerDataMaxBytes = 256 << 10
	// TruncatedMarker is appended wherever content was cut.
	TruncatedMarker = "[... truncated ...]"
	// truncatedKey carries the marker inside truncated objects.
	truncatedKey = "..."
)

// SizeOf returns the exact byte size of v under the accounting rules above.
func SizeOf(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		return len(t), nil
	case []byte:
		return len(t), nil
	case []any:
		total := 0
		for _, elem := range t {
			n, err := SizeOf(elem)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	case map[string]any:
		b, err := canonical.Canonicalize(t)
		if err != nil {
			return 0, err
		}
		return len(b), nil
	case bool, int, int32, int64, float32, float64, json.Number:
		b, err := json.Marshal(t)
		if err != nil {
			return 0, err
		}
		return len(b), nil
	default:
		// Structs and everything else size as their canonical JSON form.
		b, err := canonical.Canonicalize(t)
		if err != nil {
			return 0, err
		}
		return len(b), nil
	}
}

// Mode selects what Enforce does when the limit is exceeded.
type Mode int

const (
	// ModeTruncate cuts strings, arrays, and maps down to fit; scalars
	// that cannot be cut fail instead.
	ModeTruncate Mode = iota
	// ModeFail rejects any oversized value.
	ModeFail
)

// Limiter enforces one size bound.
type Limiter struct {
	MaxBytes int
	Mode     Mode
	Code     fault.Code
}

// NewToolOutputLimiter returns the truncating limiter used on tool outputs.
// A non-positive max falls back to the default.
func NewToolOutputLimiter(maxBytes int) *Limiter {
	if maxBytes <= 0 {
		maxBytes = DefaultToolOutputMaxBytes
	}
	return &Limiter{MaxBytes: maxBytes, Mode: ModeTruncate, Code: fault.CodeToolOutputTooLarge}
}

// NewTriggerDataLimiter returns the rejecting limiter used on incoming
// trigger data.
func NewTriggerDataLimiter(maxBytes int) *Limiter {
	if maxBytes <= 0 {
		maxBytes = DefaultTriggerDataMaxBytes
	}
	return &Limiter{MaxBytes: maxBytes, Mode: ModeFail, Code: fault.CodeTriggerDataTooLarge}
}

// Enforce applies the bound to v. It returns the (possibly truncated) value
// and whether truncation happened. After a successful return,
// SizeOf(result) <= MaxBytes holds.
func (l *Limiter) Enforce(v any) (any, bool, error) {
	size, err := SizeOf(v)
	if err != nil {
		return nil, false, fault.Wrap(fault.CodeValidationFailed, "unsizeable value", err)
	}
	if size <= l.MaxBytes {
		return v, false, nil
	}
	if l.Mode == ModeFail {
		return nil, false, l.tooLarge(size)
	}

	switch t := v.(type) {
	case string:
		out, err := l.truncateString(t)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	case []any:
		out, err := l.truncateArray(t)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	case map[string]any:
		out, err := l.truncateMap(t)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	default:
		return nil, false, l.tooLarge(size)
	}
}

func (l *Limiter) tooLarge(size int) error {
	return fault.Newf(l.Code, "size %d exceeds limit %d", size, l.MaxBytes).
		WithMeta("size_bytes", size).
		WithMeta("max_bytes", l.MaxBytes)
}

// truncateString binary-searches the largest rune prefix whose UTF-8
// encoding plus the marker fits the limit.
func (l *Limiter) truncateString(s string) (string, error) {
	budget := l.MaxBytes - len(TruncatedMarker)
	if budget < 0 {
		return "", l.tooLarge(len(s))
	}

	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if len(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo]) + TruncatedMarker, nil
}

// truncateArray keeps elements until the next one would overflow, then ends
// with a marker element.
func (l *Limiter) truncateArray(arr []any) ([]any, error) {
	budget := l.MaxBytes - len(TruncatedMarker)
	if budget < 0 {
		return nil, l.tooLarge(len(arr))
	}

	out := make([]any, 0, len(arr))
	used := 0
	for _, elem := range arr {
		n, err := SizeOf(elem)
		if err != nil {
			return nil, fault.Wrap(fault.CodeValidationFailed, "unsizeable element", err)
		}
		if used+n > budget {
			break
		}
		out = append(out, elem)
		used += n
	}
	return append(out, TruncatedMarker), nil
}

// truncateMap keeps entries key-by-key in sorted order until the next one
// would overflow; the remainder is replaced by a marker entry.
func (l *Limiter) truncateMap(m map[string]any) (map[string]any, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := map[string]any{truncatedKey: TruncatedMarker}
	if n, err := SizeOf(out); err != nil || n > l.MaxBytes {
		if err != nil {
			return nil, err
		}
		return nil, l.tooLarge(n)
	}

	for _, k := range keys {
		candidate := cloneWith(out, k, m[k])
		n, err := SizeOf(candidate)
		if err != nil {
			return nil, fault.Wrap(fault.CodeValidationFailed,
				fmt.Sprintf("unsizeable entry %q", k), err)
		}
		if n > l.MaxBytes {
			break
		}
		out = candidate
	}
	return out, nil
}

func cloneWith(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
