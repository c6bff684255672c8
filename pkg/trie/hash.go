package trie

import (
	"encoding/binary"

	"golang.org/x/sync/errgroup"
)

// Hash computes (if necessary) and returns the trie's root hash, per
// spec.md §4.1: u32 (size - deletion_marked_count) || root_node_hash, or 32
// zero bytes if the trie is empty. Subtries entirely composed of
// deletion-marked leaves are skipped (hashed as if absent); an internal
// node with exactly one live child passes that child's hash through,
// preserving canonicality under lazy delete.
func (t *Trie) Hash() [32]byte {
	t.hashMu.Lock()
	defer t.hashMu.Unlock()

	if t.root == nil {
		return [32]byte{}
	}

	var g errgroup.Group
	g.SetLimit(parallelHashLimit)
	hashNodeParallel(&g, t.root)
	_ = g.Wait() // hashNode never returns an error; reserved for future I/O-backed nodes

	liveSize := t.root.size - t.root.numDeletedSubnodes

	var out [32]byte
	if liveSize == 0 {
		return out
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(liveSize))
	rootHash := rootNodeHash(t.root)

	buf := make([]byte, 0, 4+32)
	buf = append(buf, header[:]...)
	buf = append(buf, rootHash[:]...)
	out = blake2b256(buf)
	return out
}

const parallelHashLimit = 8

// hashNodeParallel computes every invalid leaf hash under n, fanning
// recursion for internal nodes' children out across an errgroup (spec.md
// §4.1 "Hash: ... parallel compute of all invalid node hashes"). Internal
// node hashes are left to rootNodeHash. When the group has no free slot,
// the subtree is hashed on the calling goroutine instead of waiting.
func hashNodeParallel(g *errgroup.Group, n *node) {
	if n.hashValid {
		return
	}
	if n.isLeaf {
		buf := append(canonicalHeader(n.prefixLen*4, n.prefix), n.value.Bytes()...)
		n.hash = blake2b256(buf)
		n.hashValid = true
		return
	}

	for _, c := range n.children {
		if c == nil {
			continue
		}
		c := c
		task := func() error {
			hashNodeParallel(g, c)
			return nil
		}
		if !g.TryGo(task) {
			_ = task()
		}
	}
}

// rootNodeHash computes (and caches) n's own hash, recursing into every
// live child whose cached hash is invalid; leaf hashes are normally
// already cached by hashNodeParallel. It implements the lazy-deletion skip
// and single-live-child passthrough rules.
func rootNodeHash(n *node) [32]byte {
	if n.hashValid {
		return n.hash
	}
	if n.isLeaf {
		buf := append(canonicalHeader(n.prefixLen*4, n.prefix), n.value.Bytes()...)
		n.hash = blake2b256(buf)
		n.hashValid = true
		return n.hash
	}

	type liveChild struct {
		branch byte
		hash   [32]byte
	}
	var live []liveChild
	for i, c := range n.children {
		if c == nil {
			continue
		}
		if c.size-c.numDeletedSubnodes == 0 {
			continue // entire subtree deleted: omit from hashing
		}
		h := rootNodeHash(c)
		live = append(live, liveChild{branch: byte(i), hash: h})
	}

	if len(live) == 1 {
		// single live child: pass its hash through unchanged.
		n.hash = live[0].hash
		n.hashValid = true
		return n.hash
	}

	bitvector := uint16(0)
	for _, lc := range live {
		bitvector |= 1 << lc.branch
	}

	body := make([]byte, 0, 2+32*len(live))
	body = append(body, byte(bitvector>>8), byte(bitvector))
	for _, lc := range live {
		body = append(body, lc.hash[:]...)
	}

	buf := append(canonicalHeader(n.prefixLen*4, n.prefix), body...)
	n.hash = blake2b256(buf)
	n.hashValid = true
	return n.hash
}
