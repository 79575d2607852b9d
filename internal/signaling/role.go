package signaling

import (
	"fmt"
	"strings"
)

type Role string

const (
	Master Role = "MASTER"
	Viewer Role = "VIEWER"
)

// DefaultClientID keys messages whose sender is not identified. A VIEWER only
// ever hears from its MASTER, which the service does not name.
const DefaultClientID = "MASTER"

func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(Master):
		return Master, nil
	case string(Viewer):
		return Viewer, nil
	default:
		return "", fmt.Errorf("%w: role %q (expected MASTER or VIEWER)", ErrInvalidConfig, s)
	}
}

func (r Role) valid() bool {
	return r == Master || r == Viewer
}
