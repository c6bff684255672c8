package trie

// ApplyFn is invoked once per visited leaf by ApplyLtKey/ApplyGeqKey.
type ApplyFn func(key []byte, value Value)

// ApplyGeqKey invokes fn on every leaf whose key is >= k, in ascending
// key order.
func (t *Trie) ApplyGeqKey(k []byte, fn ApplyFn) {
	t.hashMu.RLock()
	defer t.hashMu.RUnlock()
	if t.root == nil {
		return
	}
	applyGeqKey(t.root, nibblesOf(k, t.KeyLenNibbles()), fn)
}

func applyGeqKey(n *node, keyNibbles []byte, fn ApplyFn) {
	if n.isLeaf {
		if compareNibbles(n.prefix, keyNibbles) >= 0 {
			fn(packNibbles(n.prefix), n.value)
		}
		return
	}
	match := commonPrefixLen(n.prefix, keyNibbles)
	if match < n.prefixLen {
		if compareNibbles(n.prefix, keyNibbles) > 0 {
			applyAll(n, fn)
		}
		return
	}
	minBranch := keyNibbles[n.prefixLen]
	for i := int(minBranch); i < 16; i++ {
		c := n.children[byte(i)]
		if c == nil {
			continue
		}
		if byte(i) == minBranch {
			applyGeqKey(c, keyNibbles, fn)
		} else {
			applyAll(c, fn)
		}
	}
}

// ApplyLtKey invokes fn on every leaf whose key is < k, in ascending
// key order.
func (t *Trie) ApplyLtKey(k []byte, fn ApplyFn) {
	t.hashMu.RLock()
	defer t.hashMu.RUnlock()
	if t.root == nil {
		return
	}
	applyLtKey(t.root, nibblesOf(k, t.KeyLenNibbles()), fn)
}

func applyLtKey(n *node, keyNibbles []byte, fn ApplyFn) {
	if n.isLeaf {
		if compareNibbles(n.prefix, keyNibbles) < 0 {
			fn(packNibbles(n.prefix), n.value)
		}
		return
	}
	match := commonPrefixLen(n.prefix, keyNibbles)
	if match < n.prefixLen {
		if compareNibbles(n.prefix, keyNibbles) < 0 {
			applyAll(n, fn)
		}
		return
	}
	maxBranch := keyNibbles[n.prefixLen]
	for i := 0; i <= int(maxBranch); i++ {
		c := n.children[byte(i)]
		if c == nil {
			continue
		}
		if byte(i) == maxBranch {
			applyLtKey(c, keyNibbles, fn)
		} else {
			applyAll(c, fn)
		}
	}
}

func applyAll(n *node, fn ApplyFn) {
	if n.isLeaf {
		fn(packNibbles(n.prefix), n.value)
		return
	}
	for _, c := range n.children {
		if c != nil {
			applyAll(c, fn)
		}
	}
}

// Lowest returns the leaf with the smallest key, or ok=false if the trie
// is empty (spec.md §4.2's process_clear_offers needs the lowest-keyed
// committed offer to apply a partial execution against).
func (t *Trie) Lowest() (key []byte, value Value, ok bool) {
	t.hashMu.RLock()
	defer t.hashMu.RUnlock()
	if t.root == nil {
		return nil, nil, false
	}
	n := t.root
	for !n.isLeaf {
		var next *node
		for _, c := range n.children {
			if c != nil {
				next = c
				break
			}
		}
		if next == nil {
			return nil, nil, false
		}
		n = next
	}
	return packNibbles(n.prefix), n.value, true
}

// MetadataTraversal visits every leaf in ascending key order, calling
// accumulate with each leaf's own metadata contribution and returning
// the running total after each call (spec.md §4.1 metadata_traversal,
// used by the orderbook to build its cumulative-endow index).
func (t *Trie) MetadataTraversal(accumulate func(running, leaf Metadata) Metadata, zero Metadata, visit func(key []byte, running Metadata)) {
	t.hashMu.RLock()
	defer t.hashMu.RUnlock()
	if t.root == nil {
		return
	}
	running := zero
	metadataTraversal(t.root, accumulate, &running, visit)
}

func metadataTraversal(n *node, accumulate func(running, leaf Metadata) Metadata, running *Metadata, visit func(key []byte, running Metadata)) {
	if n.isLeaf {
		*running = accumulate(*running, n.meta)
		visit(packNibbles(n.prefix), *running)
		return
	}
	for _, c := range n.children {
		if c != nil {
			metadataTraversal(c, accumulate, running, visit)
		}
	}
}
