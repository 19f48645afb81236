package completion

import (
	"fmt"
	"strings"
	"time"
)

// BusyPolicy decides what Submit does while another turn is open.
type BusyPolicy string

const (
	// BusyReject fails the new submission with ErrTurnInProgress.
	BusyReject BusyPolicy = "reject"
	// BusySupersede cancels the open turn and proceeds once it has ended.
	BusySupersede BusyPolicy = "supersede"
	// BusySerialize waits for the open turn to end, bounded by the Submit context.
	BusySerialize BusyPolicy = "serialize"
)

// ParseBusyPolicy converts a configuration value into a BusyPolicy.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch p := BusyPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case BusyReject, BusySupersede, BusySerialize:
		return p, nil
	case "":
		return BusyReject, nil
	}
	return "", fmt.Errorf("unknown busy policy %q", s)
}

// Policy holds the orchestrator settings that may change at runtime.
type Policy struct {
	Busy        BusyPolicy
	TurnTimeout time.Duration // zero disables the timeout
}

// DefaultPolicy rejects concurrent submissions and never times out.
func DefaultPolicy() Policy {
	return Policy{Busy: BusyReject}
}
