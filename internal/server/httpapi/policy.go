package httpapi

const wildcard = "*"

// Policy is the flat allow/deny list applied when an identity logs in.
type Policy struct {
	allowed map[string]bool
	denied  map[string]bool
}

// NewPolicy builds the allow/deny policy. "*" in either list matches every
// username.
func NewPolicy(allowed, denied []string) Policy {
	p := Policy{allowed: map[string]bool{}, denied: map[string]bool{}}
	for _, u := range allowed {
		p.allowed[u] = true
	}
	for _, u := range denied {
		p.denied[u] = true
	}
	return p
}

// Denied reports whether username may not log in. An explicit allow entry
// overrides a denied wildcard; an explicit deny entry overrides an allowed
// wildcard.
func (p Policy) Denied(username string) bool {
	switch {
	case p.allowed[wildcard] && p.denied[username]:
		return true
	case !p.allowed[wildcard] && !p.allowed[username]:
		return true
	case p.denied[wildcard] && !p.allowed[username]:
		return true
	}
	return false
}
