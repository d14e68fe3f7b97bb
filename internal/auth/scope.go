package auth

import "strings"

// Authorize reports whether granted satisfies every required scope.
// A grant matches a required scope when it is:
//   - identical ("orders:refund" grants "orders:refund"),
//   - a wildcard whose prefix matches ("orders:*" grants "orders:refund"),
//   - a bare parent with no colon ("orders" grants "orders:refund" and "orders").
//
// No required scopes always authorizes.
func Authorize(granted []string, required ...string) bool {
	for _, r := range required {
		if !grants(granted, r) {
			return false
		}
	}
	return true
}

// Missing returns the required scopes that granted does not satisfy.
func Missing(granted []string, required ...string) []string {
	var missing []string
	for _, r := range required {
		if !grants(granted, r) {
			missing = append(missing, r)
		}
	}
	return missing
}

func grants(granted []string, required string) bool {
	for _, g := range granted {
		switch {
		case g == required:
			return true
		case strings.HasSuffix(g, ":*"):
			if strings.HasPrefix(required, strings.TrimSuffix(g, "*")) {
				return true
			}
		case !strings.Contains(g, ":"):
			if strings.HasPrefix(required, g+":") {
				return true
			}
		}
	}
	return false
}
