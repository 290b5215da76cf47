package messaging

import (
	"sort"

	"github.com/BaSui01/hivecoord/types"
)

// Ordering 版本向量比较结果
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

// VersionVector 每个发送方单调递增的计数器
type VersionVector map[types.PrincipalID]uint64

// Get returns the counter for id.
func (v VersionVector) Get(id types.PrincipalID) uint64 {
	return v[id]
}

// Increment bumps the counter for id and returns the new value.
func (v VersionVector) Increment(id types.PrincipalID) uint64 {
	v[id]++
	return v[id]
}

// Advance raises the counter for id to n; counters never move backwards.
func (v VersionVector) Advance(id types.PrincipalID, n uint64) bool {
	if n <= v[id] {
		return false
	}
	v[id] = n
	return true
}

// Merge takes the pairwise maximum.
func (v VersionVector) Merge(other VersionVector) {
	for id, n := range other {
		if n > v[id] {
			v[id] = n
		}
	}
}

// Compare orders v against other.
func (v VersionVector) Compare(other VersionVector) Ordering {
	less, greater := false, false
	for _, id := range unionKeys(v, other) {
		a, b := v[id], other[id]
		switch {
		case a < b:
			less = true
		case a > b:
			greater = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Gap 某发送方缺失的序号区间 [From, To]
type Gap struct {
	Sender types.PrincipalID
	From   uint64
	To     uint64
}

// Missing lists what v has not yet seen from other.
func (v VersionVector) Missing(other VersionVector) []Gap {
	var gaps []Gap
	for _, id := range unionKeys(v, other) {
		if other[id] > v[id] {
			gaps = append(gaps, Gap{Sender: id, From: v[id] + 1, To: other[id]})
		}
	}
	return gaps
}

// Clone returns a copy.
func (v VersionVector) Clone() VersionVector {
	c := make(VersionVector, len(v))
	for id, n := range v {
		c[id] = n
	}
	return c
}

func unionKeys(a, b VersionVector) []types.PrincipalID {
	seen := make(map[types.PrincipalID]struct{}, len(a)+len(b))
	for id := range a {
		seen[id] = struct{}{}
	}
	for id := range b {
		seen[id] = struct{}{}
	}
	keys := make([]types.PrincipalID, 0, len(seen))
	for id := range seen {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
