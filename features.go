package ayame

import (
	"fmt"
)

// A Feature contributes protocol handlers to a client. Features form a
// dependency graph: Requires names the features whose handlers must
// already be in place when this one attaches.
type Feature interface {
	Name() string
	// Requires lists the features this one extends, most specific
	// first.
	Requires() []string
	// Attach registers the feature's handlers and capability hooks.
	Attach(c *Client)
}

// DefaultFeatures returns the feature set installed by NewClient.
func DefaultFeatures() []Feature {
	return []Feature{
		featureCTCP{},
		featureMonitor{},
		featureAccount{},
		featureSASL{},
		featureCap{},
		featureISupport{},
		featureRFC1459{},
	}
}

// Featurize linearizes a feature set with a C3-style merge: every
// feature precedes its own dependencies, and the relative order of the
// input and of each dependency list is preserved. It fails with
// ErrInconsistentFeatureOrder when those constraints contradict each
// other.
func Featurize(features ...Feature) ([]Feature, error) {
	byName := make(map[string]Feature)
	var order []string
	for _, f := range features {
		if _, ok := byName[f.Name()]; !ok {
			order = append(order, f.Name())
		}
		byName[f.Name()] = f
	}

	memo := make(map[string][]string)
	visiting := make(map[string]bool)

	var linearize func(name string) ([]string, error)
	linearize = func(name string) ([]string, error) {
		if l, ok := memo[name]; ok {
			return l, nil
		}
		if visiting[name] {
			return nil, fmt.Errorf("%w: dependency cycle through %q", ErrInconsistentFeatureOrder, name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		f, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("feature %q requires unknown feature %q", name, name)
		}

		deps := f.Requires()
		seqs := make([][]string, 0, len(deps)+1)
		for _, dep := range deps {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("feature %q requires unknown feature %q", name, dep)
			}
			l, err := linearize(dep)
			if err != nil {
				return nil, err
			}
			seqs = append(seqs, l)
		}
		seqs = append(seqs, deps)

		merged, err := c3Merge(seqs)
		if err != nil {
			return nil, fmt.Errorf("%w: while linearizing %q", err, name)
		}
		l := append([]string{name}, merged...)
		memo[name] = l
		return l, nil
	}

	seqs := make([][]string, 0, len(order)+1)
	for _, name := range order {
		l, err := linearize(name)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, l)
	}
	seqs = append(seqs, order)

	merged, err := c3Merge(seqs)
	if err != nil {
		return nil, err
	}

	linearized := make([]Feature, len(merged))
	for i, name := range merged {
		linearized[i] = byName[name]
	}
	return linearized, nil
}

// c3Merge repeatedly takes the first list head that appears in no
// list's tail. No such head means the ordering constraints contradict.
func c3Merge(seqs [][]string) ([]string, error) {
	work := make([][]string, 0, len(seqs))
	for _, s := range seqs {
		if len(s) > 0 {
			work = append(work, append([]string(nil), s...))
		}
	}

	var result []string
	for len(work) > 0 {
		var candidate string
		for _, s := range work {
			head := s[0]
			if !inAnyTail(work, head) {
				candidate = head
				break
			}
		}
		if candidate == "" {
			return nil, ErrInconsistentFeatureOrder
		}

		result = append(result, candidate)
		next := work[:0]
		for _, s := range work {
			if s[0] == candidate {
				s = s[1:]
			}
			if len(s) > 0 {
				next = append(next, s)
			}
		}
		work = next
	}
	return result, nil
}

func inAnyTail(seqs [][]string, name string) bool {
	for _, s := range seqs {
		for _, v := range s[1:] {
			if v == name {
				return true
			}
		}
	}
	return false
}
