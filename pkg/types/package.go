package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PackageKind discriminates the two package variants
type PackageKind string

const (
	PackageKindRegistry PackageKind = "registry"
	PackageKindRepo     PackageKind = "repo"
)

// Package is a unit of third-party code built by an experiment.
// It is implemented only by RegistryPackage and RepoPackage.
type Package interface {
	// ID returns a stable, filesystem-safe identifier
	ID() string
	Kind() PackageKind
	String() string
	isPackage()
}

// RegistryPackage is a package downloaded from the registry
type RegistryPackage struct {
	Name    string
	Version string
}

// RepoPackage is a package cloned from a source repository
type RepoPackage struct {
	Org  string
	Name string
	SHA  string
}

func (RegistryPackage) isPackage() {}
func (RepoPackage) isPackage()     {}

func (p RegistryPackage) Kind() PackageKind { return PackageKindRegistry }
func (p RepoPackage) Kind() PackageKind     { return PackageKindRepo }

func (p RegistryPackage) ID() string {
	return "reg/" + p.Name + "-" + p.Version
}

func (p RepoPackage) ID() string {
	return "gh/" + p.Org + "." + p.Name
}

func (p RegistryPackage) String() string {
	return p.Name + "-" + p.Version
}

func (p RepoPackage) String() string {
	if p.SHA != "" {
		return p.Slug() + "@" + p.SHA
	}
	return p.Slug()
}

// Slug returns org/name
func (p RepoPackage) Slug() string {
	return p.Org + "/" + p.Name
}

// URL returns the clone URL of the repository
func (p RepoPackage) URL() string {
	return "https://github.com/" + p.Slug()
}

// ComparePackages orders registry packages before repo packages, then by
// their identifying fields. It returns -1, 0 or 1.
func ComparePackages(a, b Package) int {
	if a.Kind() != b.Kind() {
		if a.Kind() == PackageKindRegistry {
			return -1
		}
		return 1
	}

	switch x := a.(type) {
	case RegistryPackage:
		y := b.(RegistryPackage)
		return compareFields(x.Name, y.Name, x.Version, y.Version)
	case RepoPackage:
		y := b.(RepoPackage)
		return compareFields(x.Org, y.Org, x.Name, y.Name, x.SHA, y.SHA)
	default:
		panic(fmt.Sprintf("unknown package variant %T", a))
	}
}

// compareFields compares pairs of fields in order
func compareFields(pairs ...string) int {
	for i := 0; i+1 < len(pairs); i += 2 {
		if c := strings.Compare(pairs[i], pairs[i+1]); c != 0 {
			return c
		}
	}
	return 0
}

// SortPackages sorts packages in place using ComparePackages
func SortPackages(pkgs []Package) {
	sort.SliceStable(pkgs, func(i, j int) bool {
		return ComparePackages(pkgs[i], pkgs[j]) < 0
	})
}

// PackageSpec is the flat, serialisable form of a Package
type PackageSpec struct {
	Type    PackageKind `json:"type" yaml:"type"`
	Name    string      `json:"name" yaml:"name"`
	Version string      `json:"version,omitempty" yaml:"version,omitempty"`
	Org     string      `json:"org,omitempty" yaml:"org,omitempty"`
	SHA     string      `json:"sha,omitempty" yaml:"sha,omitempty"`
}

// Package converts the spec to its concrete variant
func (s PackageSpec) Package() (Package, error) {
	switch s.Type {
	case PackageKindRegistry:
		if s.Name == "" || s.Version == "" {
			return nil, fmt.Errorf("registry package needs name and version: %+v", s)
		}
		return RegistryPackage{Name: s.Name, Version: s.Version}, nil

	case PackageKindRepo:
		if s.Org == "" || s.Name == "" {
			return nil, fmt.Errorf("repo package needs org and name: %+v", s)
		}
		return RepoPackage{Org: s.Org, Name: s.Name, SHA: s.SHA}, nil

	default:
		return nil, fmt.Errorf("unknown package type: %s", s.Type)
	}
}

// SpecOf flattens a package for serialisation
func SpecOf(p Package) PackageSpec {
	switch v := p.(type) {
	case RegistryPackage:
		return PackageSpec{Type: PackageKindRegistry, Name: v.Name, Version: v.Version}
	case RepoPackage:
		return PackageSpec{Type: PackageKindRepo, Org: v.Org, Name: v.Name, SHA: v.SHA}
	default:
		panic(fmt.Sprintf("unknown package variant %T", p))
	}
}

// PackageList is an ordered list of packages with a tagged JSON form
type PackageList []Package

// MarshalJSON implements json.Marshaler
func (l PackageList) MarshalJSON() ([]byte, error) {
	specs := make([]PackageSpec, len(l))
	for i, p := range l {
		specs[i] = SpecOf(p)
	}
	return json.Marshal(specs)
}

// UnmarshalJSON implements json.Unmarshaler
func (l *PackageList) UnmarshalJSON(data []byte) error {
	var specs []PackageSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return err
	}

	out := make(PackageList, 0, len(specs))
	for i, s := range specs {
		p, err := s.Package()
		if err != nil {
			return fmt.Errorf("package %d: %w", i, err)
		}
		out = append(out, p)
	}
	*l = out
	return nil
}
