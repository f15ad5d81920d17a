package mesh

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// DefaultVirtualNodes is the replica count V that Bootstrap passes to
// NewRing when Config.VirtualNodes is zero; spec.md §4.1 suggests 160 as a value that
// keeps bucket imbalance under the 1.5x max/mean bound required by §8's
// balance property.
const DefaultVirtualNodes = 160

// Ring is a deterministic consistent-hash placement function: a pure
// mapping from actor path to worker id. It is immutable after
// construction and produces identical results on every worker for the
// same (workerCount, virtualNodes) pair, since it depends on nothing but
// its own construction parameters.
type Ring struct {
	workerCount int
	virtual     []vnode
}

type vnode struct {
	hash   uint64
	worker int
}

// NewRing builds a Ring for workerCount workers ([0, workerCount)) with
// virtualNodes virtual nodes per worker. It panics on non-positive
// arguments, since a Ring with no workers or no virtual nodes cannot
// satisfy the coverage invariant in spec.md §8.
func NewRing(workerCount, virtualNodes int) *Ring {
	if workerCount <= 0 {
		panic("mesh: NewRing requires a positive workerCount")
	}
	if virtualNodes <= 0 {
		panic("mesh: NewRing requires a positive virtualNodes")
	}

	nodes := make([]vnode, 0, workerCount*virtualNodes)
	for w := 0; w < workerCount; w++ {
		for r := 0; r < virtualNodes; r++ {
			key := strconv.Itoa(w) + ":" + strconv.Itoa(r)
			nodes = append(nodes, vnode{hash: hashKey(key), worker: w})
		}
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].hash != nodes[j].hash {
			return nodes[i].hash < nodes[j].hash
		}
		// Tie-break on equal hashes: smaller worker id wins.
		return nodes[i].worker < nodes[j].worker
	})

	return &Ring{workerCount: workerCount, virtual: nodes}
}

// hashKey is FNV-1a 64-bit, chosen per spec.md §4.1 as a stable,
// well-distributed non-cryptographic hash that produces identical
// results across processes and across runs.
func hashKey(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// NodeFor returns the worker id owning path: the worker whose nearest
// virtual node, walking clockwise on the hash circle, covers hash(path).
// Total function; no error path exists per spec.md §4.1.
func (r *Ring) NodeFor(path string) int {
	h := hashKey(path)

	idx := sort.Search(len(r.virtual), func(i int) bool {
		return r.virtual[i].hash >= h
	})
	if idx == len(r.virtual) {
		idx = 0
	}
	return r.virtual[idx].worker
}

// WorkerCount returns the N this Ring was constructed with.
func (r *Ring) WorkerCount() int {
	return r.workerCount
}
