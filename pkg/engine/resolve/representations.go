package resolve

import (
	"strings"

	"github.com/wundergraph/astjson"

	"github.com/gqlrouter/gqlrouter/pkg/pool"
)

// representationBuilder collects entity representations from a set of tree
// items, deduplicating identical representations so that each entity is
// fetched from the subgraph exactly once. batchStats remembers, per unique
// representation, every item that contributed it, so the fetched entities can
// be redistributed to all of their origins afterwards.
type representationBuilder struct {
	typeNameKey     []string
	representations []*astjson.Value
	batchStats      [][]*astjson.Value
	seen            map[uint64]int
}

func newRepresentationBuilder() *representationBuilder {
	return &representationBuilder{
		typeNameKey: []string{"__typename"},
		seen:        make(map[uint64]int),
	}
}

// addItem builds the representation for one tree item from its __typename and
// the given key fields. Items that are null or miss the type name or any key
// field are skipped; the caller observes the skip through the returned bool
// and must leave the item untouched.
func (b *representationBuilder) addItem(item *astjson.Value, keys []string) (added bool) {
	if astjson.ValueIsNull(item) {
		return false
	}
	typeName := item.Get("__typename")
	if typeName == nil || typeName.Type() != astjson.TypeString {
		return false
	}
	keyValues := make([]*astjson.Value, len(keys))
	for i := range keys {
		keyValue := item.Get(strings.Split(keys[i], ".")...)
		if astjson.ValueIsNull(keyValue) {
			return false
		}
		keyValues[i] = keyValue
	}
	representation := astjson.MustParse(`{}`)
	representation.Set(nil, "__typename", typeName)
	for i := range keys {
		elements := strings.Split(keys[i], ".")
		astjson.SetValue(representation, keyValues[i], elements...)
	}
	hash := b.hashRepresentation(representation)
	if idx, exists := b.seen[hash]; exists {
		b.batchStats[idx] = append(b.batchStats[idx], item)
		return true
	}
	b.seen[hash] = len(b.representations)
	b.representations = append(b.representations, representation)
	b.batchStats = append(b.batchStats, []*astjson.Value{item})
	return true
}

func (b *representationBuilder) hashRepresentation(representation *astjson.Value) uint64 {
	hash := pool.Hash64.Get()
	defer pool.Hash64.Put(hash)
	buf := pool.BytesBuffer.Get()
	defer pool.BytesBuffer.Put(buf)
	_, _ = hash.Write(representation.MarshalTo(buf.Bytes()))
	return hash.Sum64()
}

func (b *representationBuilder) empty() bool {
	return len(b.representations) == 0
}

// renderInput marshals the unique representations as a JSON array, the value
// for the _entities "representations" variable.
func (b *representationBuilder) renderInput() []byte {
	arr := astjson.MustParse(`[]`)
	for i := range b.representations {
		arr.SetArrayItem(nil, i, b.representations[i])
	}
	return arr.MarshalTo(nil)
}

// redistribute merges each fetched entity into every tree item that
// contributed the matching representation. The entities array is positional,
// aligned with the unique representations. Must be called with the tree lock
// held.
func (b *representationBuilder) redistribute(entities []*astjson.Value) {
	for i := range b.batchStats {
		if i >= len(entities) {
			return
		}
		for _, item := range b.batchStats[i] {
			if astjson.ValueIsNull(entities[i]) {
				continue
			}
			if item.Type() != astjson.TypeObject || entities[i].Type() != astjson.TypeObject {
				continue
			}
			// both sides are objects, so the merge happens in place and the
			// item stays anchored in the response tree
			_, _, _ = astjson.MergeValues(nil, item, entities[i])
		}
	}
}
