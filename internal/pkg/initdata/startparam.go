package initdata

import "strings"

// StartParam is a parsed deep-link token such as "e-42".
type StartParam struct {
	Kind string
	ID   string
}

// Deep-link kinds understood by the service.
const (
	StartKindEvent = "e"
	StartKindGroup = "g"
	StartKindOrg   = "o"
)

// ParseStartParam splits "kind-id". The validator never calls it; callers
// decide what a token means.
func ParseStartParam(raw string) (StartParam, bool) {
	kind, id, ok := strings.Cut(raw, "-")
	if !ok || kind == "" || id == "" {
		return StartParam{}, false
	}
	return StartParam{Kind: kind, ID: id}, true
}
