package modhost

import (
	"errors"
	"fmt"
	"strings"
)

// Registry errors
var (
	// Graph errors
	ErrDuplicateModule         = errors.New("module already registered")
	ErrCircularDependency      = errors.New("circular dependency detected")
	ErrDependentModulesExist   = errors.New("module has dependents")
	ErrModuleDependencyMissing = errors.New("module depends on non-existent module")
	ErrSelfDependency          = errors.New("module depends on itself")

	// Lifecycle errors
	ErrModuleNotFound     = errors.New("module not found")
	ErrModuleConstruction = errors.New("module construction failed")
	ErrNoFactory          = errors.New("no factory registered for module")
	ErrNoComponent        = errors.New("module has no component")

	// Config errors
	ErrInvalidConfig = errors.New("invalid module config")
)

// DuplicateModuleError is returned by Register when the id is taken.
type DuplicateModuleError struct {
	ModuleID string
}

func (e *DuplicateModuleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateModule, e.ModuleID)
}

func (e *DuplicateModuleError) Unwrap() error {
	return ErrDuplicateModule
}

// CircularDependencyError names the module at which a cycle was detected.
type CircularDependencyError struct {
	ModuleID string

	// Path is the visiting chain that closed the cycle, when known.
	Path []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s: %s (%s)", ErrCircularDependency, e.ModuleID, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("%s: %s", ErrCircularDependency, e.ModuleID)
}

func (e *CircularDependencyError) Unwrap() error {
	return ErrCircularDependency
}

// DependentModulesExistError is returned by Unregister while other modules
// still list the module as a dependency.
type DependentModulesExistError struct {
	ModuleID   string
	Dependents []string
}

func (e *DependentModulesExistError) Error() string {
	return fmt.Sprintf("%s: %s is required by %s", ErrDependentModulesExist, e.ModuleID, strings.Join(e.Dependents, ", "))
}

func (e *DependentModulesExistError) Unwrap() error {
	return ErrDependentModulesExist
}

// ModuleConstructionError is stored on the error instance left behind by a
// failed Load.
type ModuleConstructionError struct {
	ModuleID string
	Err      error
}

func (e *ModuleConstructionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrModuleConstruction, e.ModuleID, e.Err)
}

func (e *ModuleConstructionError) Unwrap() []error {
	return []error{ErrModuleConstruction, e.Err}
}

// ModuleNotFoundError is returned for operations on unknown ids.
type ModuleNotFoundError struct {
	ModuleID string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrModuleNotFound, e.ModuleID)
}

func (e *ModuleNotFoundError) Unwrap() error {
	return ErrModuleNotFound
}

// InvalidConfigError wraps validator failures of a ModuleConfig.
type InvalidConfigError struct {
	ModuleID string
	Err      error
}

func (e *InvalidConfigError) Error() string {
	if e.ModuleID == "" {
		return fmt.Sprintf("%s: %v", ErrInvalidConfig, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", ErrInvalidConfig, e.ModuleID, e.Err)
}

func (e *InvalidConfigError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.Err}
}
