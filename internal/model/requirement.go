// internal/model/requirement.go
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Requirement is a test's declarative need for devices of one protocol
type Requirement struct {
	Protocol     ProtocolType `json:"protocol" binding:"required"`
	NamePatterns []string     `json:"name_patterns"`
	Min          int          `json:"min"`
	Max          int          `json:"max"`
}

// Validate checks the quantity bounds
func (r Requirement) Validate() error {
	if _, err := ParseProtocolType(string(r.Protocol)); err != nil {
		return err
	}
	if r.Min < 0 {
		return fmt.Errorf("min must not be negative, got %d", r.Min)
	}
	if r.Max < 1 {
		return fmt.Errorf("max must be at least 1, got %d", r.Max)
	}
	if r.Min > r.Max {
		return fmt.Errorf("min %d exceeds max %d", r.Min, r.Max)
	}
	for _, pattern := range r.NamePatterns {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid name pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// Filter renders the name patterns for reports
func (r Requirement) Filter() string {
	if len(r.NamePatterns) == 0 {
		return "*"
	}
	return strings.Join(r.NamePatterns, "|")
}

// NameMatches reports whether name matches any of the patterns.
// An empty list or a literal "*" matches every name. Patterns are globs
// without separators, so "*" also spans "/" in names like "HM8150/2".
func NameMatches(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if pattern == "*" {
			return true
		}
		if g, err := glob.Compile(pattern); err == nil && g.Match(name) {
			return true
		}
	}
	return false
}

// Classification is the state of one requirement against its candidates
type Classification string

const (
	UnderDefined Classification = "UNDER_DEFINED"
	FullDefined  Classification = "FULL_DEFINED"
	OverDefined  Classification = "OVER_DEFINED"
)

// Classify applies the quantity rule to a count
func Classify(count, min, max int) Classification {
	switch {
	case count < min:
		return UnderDefined
	case count > max:
		return OverDefined
	default:
		return FullDefined
	}
}

// MatchRunStatus represents the lifecycle of a match run
type MatchRunStatus string

const (
	MatchRunActive   MatchRunStatus = "ACTIVE"
	MatchRunFailed   MatchRunStatus = "FAILED"
	MatchRunReleased MatchRunStatus = "RELEASED"
)

// MatchRun is the persisted record of one match request
type MatchRun struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	Status       MatchRunStatus `json:"status" db:"status"`
	Requirements []Requirement  `json:"requirements" db:"requirements"`
	DeviceIDs    []uuid.UUID    `json:"device_ids" db:"device_ids"`
	Message      string         `json:"message,omitempty" db:"message"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	ReleasedAt   *time.Time     `json:"released_at,omitempty" db:"released_at"`
}
