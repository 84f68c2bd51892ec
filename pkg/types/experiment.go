package types

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Experiment is the persisted description of a build matrix
type Experiment struct {
	Name       string      `json:"name" validate:"required,experiment_name"`
	Packages   PackageList `json:"crates"`
	Toolchains []Toolchain `json:"toolchains" validate:"len=2"`
	Mode       Mode        `json:"mode" validate:"oneof=build-and-test build-only check-only unstable-features"`
	CapLints   CapLints    `json:"cap_lints" validate:"oneof=allow warn deny forbid"`
	Flags      *string     `json:"rustflags,omitempty"`
}

var (
	experimentValidate     *validator.Validate
	experimentValidateOnce sync.Once
)

func structValidator() *validator.Validate {
	experimentValidateOnce.Do(func() {
		experimentValidate = validator.New()
		if err := experimentValidate.RegisterValidation("experiment_name", func(fl validator.FieldLevel) bool {
			return ValidateExperimentName(fl.Field().String()) == nil
		}); err != nil {
			panic(err)
		}
	})
	return experimentValidate
}

// ValidateExperimentName checks that name can be used as a single directory
// below the experiments root
func ValidateExperimentName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: experiment name is empty", ErrConfig)
	case name == "." || name == "..":
		return fmt.Errorf("%w: experiment name %q is reserved", ErrConfig, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: experiment name %q contains a path separator", ErrConfig, name)
	case filepath.Clean(name) != name:
		return fmt.Errorf("%w: experiment name %q is not a clean path element", ErrConfig, name)
	}
	return nil
}

// Validate checks the experiment invariants and returns the first violation
func (e *Experiment) Validate() error {
	if err := structValidator().Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q check (value %v)", ErrConfig, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if e.Toolchains[0] == e.Toolchains[1] {
		return fmt.Errorf("%w: reusing the same toolchain isn't supported", ErrConfig)
	}

	anyFlagAware := e.Toolchains[0].FlagAware || e.Toolchains[1].FlagAware

	if e.Flags != nil && !anyFlagAware {
		return fmt.Errorf("%w: rustflags are present but no toolchain is using them", ErrConfig)
	}

	if e.Flags == nil && anyFlagAware {
		return fmt.Errorf("%w: a toolchain is enabling rustflags but none are set", ErrConfig)
	}

	return nil
}

// RepoPackages returns the repo-sourced packages in experiment order
func (e *Experiment) RepoPackages() []RepoPackage {
	var repos []RepoPackage
	for _, p := range e.Packages {
		if r, ok := p.(RepoPackage); ok {
			repos = append(repos, r)
		}
	}
	return repos
}
