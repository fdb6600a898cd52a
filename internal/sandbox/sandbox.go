// Package sandbox executes third-party plugin code in capability-restricted
// JavaScript runtimes. One runtime per plugin; runtimes are never shared.
//
// Security:
//   - Static source validation before any execution (best-effort pattern
//     checks, NOT a hard boundary; see Validate)
//   - Capability-gated host API: network, database, and system access only
//     for the permission tiers that grant them
//   - Hard wall-clock timeout via runtime interrupt
//   - Per-sandbox resource quotas (memory, time, operation counts)
package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for sandbox operations. Wrapped with context at the
// failure site; match with errors.Is.
var (
	ErrInvalidPermissionLevel = errors.New("invalid permission level")
	ErrDuplicateSandbox       = errors.New("sandbox already exists for plugin")
	ErrSandboxNotFound        = errors.New("sandbox not found")
	ErrCodeRejected           = errors.New("code rejected by static validation")
	ErrExecutionTimeout       = errors.New("execution timed out")
	ErrResourceLimitExceeded  = errors.New("resource limit exceeded")
	ErrFileRead               = errors.New("plugin file read failed")
	ErrNotImplemented         = errors.New("collaborator not configured")
)

// Capability is a named permission gating access to host-facing API methods.
type Capability string

const (
	CapRead     Capability = "read"
	CapWrite    Capability = "write"
	CapNetwork  Capability = "network"
	CapDatabase Capability = "database"
	CapSystem   Capability = "system"
)

// PermissionLevel is a named tier that deterministically maps to a
// capability set. The sets are strictly nested: each tier grants everything
// the previous one does.
type PermissionLevel string

const (
	LevelReadOnly PermissionLevel = "readonly"
	LevelBasic    PermissionLevel = "basic"
	LevelAdvanced PermissionLevel = "advanced"
	LevelAdmin    PermissionLevel = "admin"
)

// CapabilitySet is the resolved set of capabilities for a permission level.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is granted.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// List returns the granted capabilities in tier order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for _, c := range []Capability{CapRead, CapWrite, CapNetwork, CapDatabase, CapSystem} {
		if s[c] {
			out = append(out, c)
		}
	}
	return out
}

// Capabilities resolves the permission level to its fixed capability set.
// Returns ErrInvalidPermissionLevel for anything outside the enumeration;
// unknown levels are a configuration error, never defaulted.
func (l PermissionLevel) Capabilities() (CapabilitySet, error) {
	switch l {
	case LevelReadOnly:
		return CapabilitySet{CapRead: true}, nil
	case LevelBasic:
		return CapabilitySet{CapRead: true, CapWrite: true}, nil
	case LevelAdvanced:
		return CapabilitySet{CapRead: true, CapWrite: true, CapNetwork: true, CapDatabase: true}, nil
	case LevelAdmin:
		return CapabilitySet{CapRead: true, CapWrite: true, CapNetwork: true, CapDatabase: true, CapSystem: true}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPermissionLevel, string(l))
	}
}

// ResourceLimits constrains a single sandbox. Zero values in a patch mean
// "leave unchanged"; a fully zero ResourceLimits is never applied directly;
// defaults come from the manager's global limits.
type ResourceLimits struct {
	MaxMemoryMB        float64       `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxExecutionTime   time.Duration `json:"max_execution_time" yaml:"max_execution_time"`
	MaxFileOperations  int           `json:"max_file_operations" yaml:"max_file_operations"`
	MaxNetworkRequests int           `json:"max_network_requests" yaml:"max_network_requests"`
	MaxDatabaseQueries int           `json:"max_database_queries" yaml:"max_database_queries"`
}

// DefaultLimits are the process-wide defaults applied to new sandboxes
// when the host configures nothing else.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:        128,
		MaxExecutionTime:   30 * time.Second,
		MaxFileOperations:  1024,
		MaxNetworkRequests: 100,
		MaxDatabaseQueries: 500,
	}
}

// LimitsPatch is a partial-merge update for resource limits. Nil fields are
// left unchanged.
type LimitsPatch struct {
	MaxMemoryMB        *float64       `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxExecutionTime   *time.Duration `json:"max_execution_time,omitempty" yaml:"max_execution_time,omitempty"`
	MaxFileOperations  *int           `json:"max_file_operations,omitempty" yaml:"max_file_operations,omitempty"`
	MaxNetworkRequests *int           `json:"max_network_requests,omitempty" yaml:"max_network_requests,omitempty"`
	MaxDatabaseQueries *int           `json:"max_database_queries,omitempty" yaml:"max_database_queries,omitempty"`
}

// apply merges the patch into limits.
func (p LimitsPatch) apply(l *ResourceLimits) {
	if p.MaxMemoryMB != nil {
		l.MaxMemoryMB = *p.MaxMemoryMB
	}
	if p.MaxExecutionTime != nil {
		l.MaxExecutionTime = *p.MaxExecutionTime
	}
	if p.MaxFileOperations != nil {
		l.MaxFileOperations = *p.MaxFileOperations
	}
	if p.MaxNetworkRequests != nil {
		l.MaxNetworkRequests = *p.MaxNetworkRequests
	}
	if p.MaxDatabaseQueries != nil {
		l.MaxDatabaseQueries = *p.MaxDatabaseQueries
	}
}

// ResourceUsage tracks cumulative consumption for one sandbox. All fields
// are monotonically non-decreasing; the only reset is destroying and
// recreating the sandbox.
type ResourceUsage struct {
	MemoryMB        float64       `json:"memory_mb"`
	ExecutionTime   time.Duration `json:"execution_time"`
	FileOperations  int           `json:"file_operations"`
	NetworkRequests int           `json:"network_requests"`
	DatabaseQueries int           `json:"database_queries"`
}

// LimitError reports a specific resource quota violation.
type LimitError struct {
	Resource string  // "memoryMB", "executionTime", "fileOperations", "networkRequests", "databaseQueries"
	Current  float64 // current counter value
	Limit    float64 // configured ceiling
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s = %g, limit %g", e.Resource, e.Current, e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrResourceLimitExceeded }

// ViolationError reports which static validation rule rejected the source.
type ViolationError struct {
	Rule    string // rule identifier, e.g. "blocked-module"
	Pattern string // the pattern that matched
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("code rejected: rule %s matched pattern %q", e.Rule, e.Pattern)
}

func (e *ViolationError) Unwrap() error { return ErrCodeRejected }

// checkLimits compares every tracked counter against its ceiling and returns
// a LimitError for the first violation, in a fixed field order so identical
// state always reports the same resource.
func checkLimits(usage ResourceUsage, limits ResourceLimits) error {
	if limits.MaxMemoryMB > 0 && usage.MemoryMB > limits.MaxMemoryMB {
		return &LimitError{Resource: "memoryMB", Current: usage.MemoryMB, Limit: limits.MaxMemoryMB}
	}
	if limits.MaxExecutionTime > 0 && usage.ExecutionTime > limits.MaxExecutionTime {
		return &LimitError{
			Resource: "executionTime",
			Current:  float64(usage.ExecutionTime.Milliseconds()),
			Limit:    float64(limits.MaxExecutionTime.Milliseconds()),
		}
	}
	if limits.MaxFileOperations > 0 && usage.FileOperations > limits.MaxFileOperations {
		return &LimitError{Resource: "fileOperations", Current: float64(usage.FileOperations), Limit: float64(limits.MaxFileOperations)}
	}
	if limits.MaxNetworkRequests > 0 && usage.NetworkRequests > limits.MaxNetworkRequests {
		return &LimitError{Resource: "networkRequests", Current: float64(usage.NetworkRequests), Limit: float64(limits.MaxNetworkRequests)}
	}
	if limits.MaxDatabaseQueries > 0 && usage.DatabaseQueries > limits.MaxDatabaseQueries {
		return &LimitError{Resource: "databaseQueries", Current: float64(usage.DatabaseQueries), Limit: float64(limits.MaxDatabaseQueries)}
	}
	return nil
}
