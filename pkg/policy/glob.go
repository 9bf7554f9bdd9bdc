package policy

import "path"

// match is fnmatch-style glob matching: * and ? wildcards plus
// character classes. Action strings never contain path separators, so
// path.Match gives exactly these semantics.
func match(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// CapabilityAllows reports whether any granted domain:operation entry
// permits the action. Either half may be the * wildcard, and the
// operation half may be a glob.
func CapabilityAllows(capabilities []string, action string) bool {
	domain, operation, ok := splitAction(action)
	if !ok {
		return false
	}
	for _, granted := range capabilities {
		capDomain, capOp, ok := splitAction(granted)
		if !ok {
			continue
		}
		if capDomain != domain && capDomain != "*" {
			continue
		}
		if capOp == "*" || capOp == operation || match(capOp, operation) {
			return true
		}
	}
	return false
}

func splitAction(s string) (domain, operation string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			if i == 0 || i == len(s)-1 {
				return "", "", false
			}
			// Reject anything with a second separator.
			for j := i + 1; j < len(s); j++ {
				if s[j] == ':' {
					return "", "", false
				}
			}
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
