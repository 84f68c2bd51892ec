// Package corpus resolves a crate selection mode into a concrete package list
package corpus

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/interfaces"
	"github.com/poltergeist/crater/pkg/types"
)

const (
	// SmallRandomCount is the sample size of the small-random selection
	SmallRandomCount = 20

	// TopCount is the size of the top-100 selection
	TopCount = 100
)

// Selector turns a CrateSelect into packages
type Selector struct {
	source interfaces.CorpusSource
	demo   config.DemoCrates

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector creates a selector over a corpus source
func NewSelector(source interfaces.CorpusSource, demo config.DemoCrates) *Selector {
	return &Selector{
		source: source,
		demo:   demo,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select resolves the selection mode
func (s *Selector) Select(mode types.CrateSelect) ([]types.Package, error) {
	switch mode {
	case types.CrateSelectFull:
		return s.source.ReadAllPackages()
	case types.CrateSelectDemo:
		return s.Demo()
	case types.CrateSelectSmallRandom:
		return s.SmallRandom()
	case types.CrateSelectTop100:
		return s.Top100()
	default:
		return nil, fmt.Errorf("%w: unknown crate selection %q", types.ErrConfig, mode)
	}
}

// Demo returns the curated demo subset. Every curated entry must match
// exactly once; otherwise the curated list and the corpus have diverged.
func (s *Selector) Demo() ([]types.Package, error) {
	all, err := s.source.ReadAllPackages()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(s.demo.Crates))
	for _, name := range s.demo.Crates {
		wanted[name] = true
	}
	expected := len(wanted) + len(s.demo.GithubRepos)

	repoHits := make(map[string]int, len(s.demo.GithubRepos))
	var result []types.Package

	for _, pkg := range all {
		switch p := pkg.(type) {
		case types.RegistryPackage:
			if wanted[p.Name] {
				delete(wanted, p.Name)
				result = append(result, p)
			}

		case types.RepoPackage:
			url := p.URL()
			for _, suffix := range s.demo.GithubRepos {
				if strings.HasSuffix(url, suffix) {
					repoHits[suffix]++
					result = append(result, p)
					break
				}
			}
		}
	}

	var mismatched []string
	for name := range wanted {
		mismatched = append(mismatched, name)
	}
	sort.Strings(mismatched)
	for _, suffix := range s.demo.GithubRepos {
		if repoHits[suffix] != 1 {
			mismatched = append(mismatched, fmt.Sprintf("%s (matched %d times)", suffix, repoHits[suffix]))
		}
	}

	if len(mismatched) > 0 || len(result) != expected {
		return nil, fmt.Errorf("%w: demo list expects %d packages but the corpus yielded %d; mismatched: %s",
			types.ErrCorpusConsistency, expected, len(result), strings.Join(mismatched, ", "))
	}

	return result, nil
}

// SmallRandom samples SmallRandomCount packages without replacement and
// sorts the sample. Every call draws a new sample.
func (s *Selector) SmallRandom() ([]types.Package, error) {
	all, err := s.source.ReadAllPackages()
	if err != nil {
		return nil, err
	}

	seen := make(map[types.PackageSpec]bool, len(all))
	pkgs := make([]types.Package, 0, len(all))
	for _, p := range all {
		spec := types.SpecOf(p)
		if !seen[spec] {
			seen[spec] = true
			pkgs = append(pkgs, p)
		}
	}

	s.mu.Lock()
	s.rng.Shuffle(len(pkgs), func(i, j int) { pkgs[i], pkgs[j] = pkgs[j], pkgs[i] })
	s.mu.Unlock()

	if len(pkgs) > SmallRandomCount {
		pkgs = pkgs[:SmallRandomCount]
	}
	types.SortPackages(pkgs)

	return pkgs, nil
}

// Top100 returns the first TopCount entries of the popularity ranking
func (s *Selector) Top100() ([]types.Package, error) {
	ranked, err := s.source.ReadPopularityRanked()
	if err != nil {
		return nil, err
	}

	if len(ranked) > TopCount {
		ranked = ranked[:TopCount]
	}
	return ranked, nil
}
