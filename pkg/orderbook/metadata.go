package orderbook

import "github.com/speedexgo/speedex/pkg/trie"

// Metadata is the commutative per-node summary aggregated up an
// orderbook's trie: live offer count, total endowment (sum of Amount),
// and the lazy-deletion / rollback counters the base trie package needs
// (spec.md §3 "Metadata per node is a commutative sum of...").
type Metadata struct {
	Size     int64
	Endow    int64
	Deleted  int64
	Rollback int64
}

// ZeroMetadata is the additive identity.
var ZeroMetadata = Metadata{}

func (m Metadata) Add(other trie.Metadata) trie.Metadata {
	o := other.(Metadata)
	return Metadata{
		Size:     m.Size + o.Size,
		Endow:    m.Endow + o.Endow,
		Deleted:  m.Deleted + o.Deleted,
		Rollback: m.Rollback + o.Rollback,
	}
}

func (m Metadata) Sub(other trie.Metadata) trie.Metadata {
	o := other.(Metadata)
	return Metadata{
		Size:     m.Size - o.Size,
		Endow:    m.Endow - o.Endow,
		Deleted:  m.Deleted - o.Deleted,
		Rollback: m.Rollback - o.Rollback,
	}
}

// metadataOf computes a freshly inserted offer's initial metadata
// contribution: one live unit of size and endow equal to its resting
// amount.
func metadataOf(v trie.Value) trie.Metadata {
	o := v.(Offer)
	return Metadata{Size: 1, Endow: o.Amount}
}

func endowOf(m trie.Metadata) int64 {
	return m.(Metadata).Endow
}
