package trie

// Get returns the value stored at key, if any.
func (t *Trie) Get(key []byte) (Value, bool) {
	t.hashMu.RLock()
	defer t.hashMu.RUnlock()

	keyNibbles := nibblesOf(key, t.KeyLenNibbles())
	n := t.root
	for n != nil {
		if n.isLeaf {
			if commonPrefixLen(n.prefix, keyNibbles) == n.prefixLen {
				return n.value, true
			}
			return nil, false
		}
		if commonPrefixLen(n.prefix, keyNibbles) != n.prefixLen {
			return nil, false
		}
		n = n.children[keyNibbles[n.prefixLen]]
	}
	return nil, false
}

// EndowLtKey sums metadata across all leaves whose key is strictly less
// than k, via the supplied accumulator function (callers pass a closure
// that knows how to add a leaf's metadata into their running sum, since
// Metadata is an opaque interface at this layer).
func (t *Trie) EndowLtKey(k []byte, accumulate func(Metadata)) {
	t.hashMu.RLock()
	defer t.hashMu.RUnlock()
	if t.root == nil {
		return
	}
	keyNibbles := nibblesOf(k, t.KeyLenNibbles())
	sumLtKey(t.root, keyNibbles, accumulate)
}

func sumLtKey(n *node, keyNibbles []byte, accumulate func(Metadata)) {
	match := commonPrefixLen(n.prefix, keyNibbles)
	if n.isLeaf {
		if compareNibbles(n.prefix, keyNibbles) < 0 {
			accumulate(n.meta)
		}
		return
	}
	if match < n.prefixLen {
		if compareNibbles(n.prefix, keyNibbles) < 0 {
			accumulate(n.meta)
		}
		return
	}
	branchAtMatch := keyNibbles[n.prefixLen]
	for i := byte(0); i < branchAtMatch; i++ {
		if c := n.children[i]; c != nil {
			accumulate(c.meta)
		}
	}
	if c := n.children[branchAtMatch]; c != nil {
		sumLtKey(c, keyNibbles, accumulate)
	}
}

func compareNibbles(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
