package runtimes

import (
	"strconv"
	"strings"
)

// DotSplit separates nested keys: with '.' the flag "-log.level=debug"
// becomes {"log":{"level":"debug"}}.
var DotSplit byte = '.'

// ParseEnvs collects the variables starting with prefix. The prefix is
// removed, the rest lowercased and '_' turned into '-', so
// SM2COSIGN_VERIFY_TLS=false becomes {"verify-tls":"false"}.
func ParseEnvs(lst []string, prefix string) (data map[string]interface{}) {
	prefix = strings.ToLower(prefix)
	data = make(map[string]interface{})
	for _, v := range lst {
		k, val, ok := strings.Cut(v, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(k)
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		k = strings.ReplaceAll(strings.TrimPrefix(k, prefix), "_", "-")
		if k = strings.Trim(k, "-"); k != "" {
			setdata(data, k, val)
		}
	}
	return data
}

// ParseArgs reads "-k v", "--k=v" and bare "-flag" (stored as "true").
// A negative number after a flag is its value, so "-n -5" sets n to "-5".
// Any other value starting with '-' needs the "--k=v" form.
// Arguments that do not belong to a flag are returned in order under the
// empty key as a []string.
func ParseArgs(lst []string) (data map[string]interface{}) {
	var key string
	var rest []string
	data = make(map[string]interface{}, len(lst)/2)
	for _, arg := range lst {
		if len(arg) > 1 && arg[0] == '-' && (key == "" || !isNumber(arg)) {
			if key != "" {
				setdata(data, key, "true")
			}
			key = strings.TrimLeft(arg, "-")
			if k, v, ok := strings.Cut(key, "="); ok {
				setdata(data, k, v)
				key = ""
			}
			continue
		}
		if key != "" {
			setdata(data, key, arg)
			key = ""
			continue
		}
		rest = append(rest, arg)
	}
	if key != "" {
		setdata(data, key, "true")
	}
	if len(rest) > 0 {
		data[""] = rest
	}
	return data
}

func isNumber(s string) bool {
	_, e := strconv.ParseFloat(s, 64)
	return e == nil
}

// Positional returns the non flag arguments collected by ParseArgs.
func Positional(data map[string]interface{}) []string {
	v, _ := data[""].([]string)
	return v
}

// Merge copies src over dst, descending into nested maps, and returns dst.
func Merge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		sv, sok := v.(map[string]interface{})
		dv, dok := dst[k].(map[string]interface{})
		if sok && dok {
			dst[k] = Merge(dv, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}

// Lookup returns the string stored under a DotSplit separated key.
func Lookup(data map[string]interface{}, key string) (string, bool) {
	kk := strings.Split(key, string(DotSplit))
	for i, k := range kk {
		v, ok := data[k]
		if !ok {
			return "", false
		}
		if i == len(kk)-1 {
			if m, ok := v.(map[string]interface{}); ok {
				v = m[""]
			}
			s, ok := v.(string)
			return s, ok
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return "", false
		}
		data = m
	}
	return "", false
}

func setdata(data map[string]interface{}, key, value string) {
	kk := strings.Split(key, string(DotSplit))
	var l = len(kk)
	for k := range kk {
		if data[kk[k]] == nil && k != l-1 {
			data[kk[k]] = make(map[string]interface{})
			data = data[kk[k]].(map[string]interface{})
			continue
		}
		if vv, ok := data[kk[k]].(map[string]interface{}); ok && k != l-1 {
			data = vv
			continue
		} else if !ok && k != l-1 {
			var temp = data[kk[k]]
			data[kk[k]] = make(map[string]interface{})
			data = data[kk[k]].(map[string]interface{})
			data[""] = temp
			continue
		}
		if vv, ok := data[kk[k]].(map[string]interface{}); ok {
			vv[""] = value
			continue
		}
		data[kk[k]] = value
	}
}
