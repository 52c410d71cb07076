package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names an independent quota.
type Kind string

const (
	KindConnect Kind = "CONNECT"
	KindMessage Kind = "MESSAGE"
	KindUpdate  Kind = "UPDATE"
)

// Kinds lists every quota kind in a stable order.
var Kinds = []Kind{KindConnect, KindMessage, KindUpdate}

// ErrUnknownKind indicates a kind with no configured quota.
var ErrUnknownKind = errors.New("ratelimit: unknown kind")

// ParseKind converts a case-insensitive kind name.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range Kinds {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// Quota allows Points consumptions per fixed Window.
type Quota struct {
	Points int
	Window time.Duration
}

// Policy maps each kind to its quota.
type Policy map[Kind]Quota

// DefaultPolicy returns the stock quotas: 10 connects per minute, 100
// presence messages per minute and 50 updates per ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		KindConnect: {Points: 10, Window: time.Minute},
		KindMessage: {Points: 100, Window: time.Minute},
		KindUpdate:  {Points: 50, Window: 10 * time.Second},
	}
}

// Validate rejects non-positive quotas.
func (p Policy) Validate() error {
	for _, kind := range Kinds {
		quota, ok := p[kind]
		if !ok {
			return fmt.Errorf("%w: %s has no quota", ErrUnknownKind, kind)
		}
		if quota.Points <= 0 || quota.Window <= 0 {
			return fmt.Errorf("ratelimit: %s quota must be positive, got %d per %s", kind, quota.Points, quota.Window)
		}
	}
	return nil
}

// Decision is the outcome of one Consume call.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// BucketStatus describes one bucket without consuming from it.
type BucketStatus struct {
	Kind      Kind      `json:"kind"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}
