package sanitize

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

// Descriptor is the logical record of one outbound call.
type Descriptor struct {
	Method      string
	BaseAddress string
	Path        string
	Query       url.Values
	Header      http.Header
}

// Clone returns a deep copy of d so sanitizing never touches the caller's maps.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Query != nil {
		out.Query = make(url.Values, len(d.Query))
		for k, v := range d.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	if d.Header != nil {
		out.Header = d.Header.Clone()
	}
	return out
}

// Target joins BaseAddress and Path into the request target, merging Query
// into any query string the path already carries.
func (d Descriptor) Target() string {
	target := joinPath(d.BaseAddress, d.Path)
	if len(d.Query) == 0 {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target + "?" + d.Query.Encode()
	}
	q := u.Query()
	for k, vs := range d.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func joinPath(base, path string) string {
	switch {
	case path == "":
		return base
	case base == "":
		return path
	case base[len(base)-1] == '/' && path[0] == '/':
		return base + path[1:]
	case base[len(base)-1] != '/' && path[0] != '/' && path[0] != '?':
		return base + "/" + path
	default:
		return base + path
	}
}

// Params converts a loosely typed parameter map into url.Values. Strings,
// booleans and numbers are formatted directly; slices become repeated keys.
// nil values are skipped.
func Params(m map[string]any) url.Values {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(url.Values, len(m))
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
		case []string:
			for _, item := range v {
				out.Add(k, item)
			}
		case []any:
			for _, item := range v {
				if item != nil {
					out.Add(k, formatParam(item))
				}
			}
		default:
			out.Add(k, formatParam(v))
		}
	}
	return out
}

func formatParam(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
