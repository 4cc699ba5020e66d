package vars

import (
	"regexp"
	"strings"
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeKey turns a raw key into a canonical field name: lower-cased,
// every run of characters outside [a-z0-9] replaced by one underscore, and
// leading/trailing underscores removed.
//
//	"rack.session.options" -> "rack_session_options"
//	"HTTP_USER_AGENT"      -> "http_user_agent"
//	"--"                   -> ""
func NormalizeKey(key string) string {
	k := nonAlnumRun.ReplaceAllString(strings.ToLower(key), "_")
	return strings.Trim(k, "_")
}

// Normalize rewrites every mapping key in the tree with NormalizeKey. When
// two keys of one mapping normalize to the same name the later value wins
// and keeps the earlier position.
func Normalize(v Value) Value {
	switch v.kind {
	case KindMap:
		out := NewMap()
		v.m.Range(func(key string, val Value) bool {
			out.Set(NormalizeKey(key), Normalize(val))
			return true
		})
		return FromMap(out)
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = Normalize(item)
		}
		return ListOf(items...)
	default:
		return v
	}
}
