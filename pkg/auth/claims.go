package auth

import (
	"strings"
)

// LookupClaimPath evaluates a dotted path expression against a decoded claim
// tree. Path segments descend into nested objects; the claim-mapping rules in
// the IDP registry are data, not code, so arbitrary IDP layouts (e.g.
// "realm_access.roles") work without per-IDP logic.
func LookupClaimPath(claims map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = claims
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// StringClaim resolves a path to a non-empty string.
func StringClaim(claims map[string]any, path string) (string, bool) {
	value, ok := LookupClaimPath(claims, path)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// StringSliceClaim resolves a path to a list of strings. IDPs deliver
// multi-valued claims either as a JSON array or as a single space-separated
// scalar (the OAuth scope convention); both are accepted.
func StringSliceClaim(claims map[string]any, path string) ([]string, bool) {
	value, ok := LookupClaimPath(claims, path)
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out, true
	case []string:
		return v, true
	case string:
		if v == "" {
			return nil, false
		}
		return strings.Fields(v), true
	default:
		return nil, false
	}
}
