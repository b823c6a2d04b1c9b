package git

import "sort"

// FileOverlap compares what an item changed against what trunk changed
// since the item branched.
type FileOverlap struct {
	ItemID      string
	BranchPoint string
	ItemPaths   []string
	TrunkPaths  []string
	Overlapping []string
}

// Safe reports whether the item and trunk touched disjoint files.
func (o *FileOverlap) Safe() bool {
	return o == nil || len(o.Overlapping) == 0
}

// PairOverlap is a set of paths changed by two active items.
type PairOverlap struct {
	A     string
	B     string
	Paths []string
}

// intersect returns the sorted paths present in both a and b.
func intersect(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, p := range a {
		seen[p] = struct{}{}
	}
	out := make([]string, 0)
	added := make(map[string]struct{})
	for _, p := range b {
		if _, ok := seen[p]; !ok {
			continue
		}
		if _, dup := added[p]; dup {
			continue
		}
		added[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
