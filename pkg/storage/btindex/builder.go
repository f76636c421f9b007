package btindex

import (
	"bufio"
	"bytes"
	"os"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"galleryindex/pkg/common"
)

type entry struct {
	key  []byte
	data []byte
}

func entryLess(a, b entry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Builder collects key/blob pairs and lays them out as an index file plus a
// data file. Keys are kept sorted; adding an existing key replaces its blob.
type Builder struct {
	entries *btree.BTreeG[entry]
}

func NewBuilder() *Builder {
	return &Builder{entries: btree.NewG[entry](32, entryLess)}
}

func (b *Builder) Add(key []byte, data []byte) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return errors.Errorf("btindex: key size %d out of range", len(key))
	}
	b.entries.ReplaceOrInsert(entry{
		key:  append([]byte(nil), key...),
		data: append([]byte(nil), data...),
	})
	return nil
}

// AddTerm stores data under the SearchKey of term.
func (b *Builder) AddTerm(term string, data []byte) error {
	k := common.HashTerm(term)
	return b.Add(k.Bytes(), data)
}

func (b *Builder) Len() int {
	return b.entries.Len()
}

type buildNode struct {
	node     Node
	children []*buildNode
	offset   uint64
}

type keyed struct {
	key []byte
	ptr common.DataPointer
}

// Build returns the serialised index and data files.
func (b *Builder) Build() (index []byte, data []byte, err error) {
	var (
		items []keyed
		blobs bytes.Buffer
	)
	b.entries.Ascend(func(e entry) bool {
		items = append(items, keyed{
			key: e.key,
			ptr: common.DataPointer{Offset: uint64(blobs.Len()), Length: int32(len(e.data))},
		})
		blobs.Write(e.data)
		return true
	})

	root := buildSubtree(items)

	// preorder keeps the root at offset 0
	var order []*buildNode
	var walk func(n *buildNode)
	walk = func(n *buildNode) {
		order = append(order, n)
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(root)

	var next uint64
	for _, n := range order {
		n.offset = next
		size := EncodedSize(&n.node)
		if size > MaxNodeSize {
			return nil, nil, errors.Errorf("btindex: node of %d bytes exceeds fetch window", size)
		}
		next += uint64(size)
	}

	out := make([]byte, 0, next)
	for _, n := range order {
		for i, c := range n.children {
			n.node.Children[i] = c.offset
		}
		enc, err := EncodeNode(&n.node)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, enc...)
	}
	return out, blobs.Bytes(), nil
}

// buildSubtree bulk-loads sorted items. A node holds at most B keys; an
// inner node with k keys has k+1 non-empty children, every key in
// children[i] sorting before Keys[i] and every key in children[k] after
// Keys[k-1].
func buildSubtree(items []keyed) *buildNode {
	n := &buildNode{}
	if len(items) <= B {
		for _, it := range items {
			n.node.Keys = append(n.node.Keys, it.key)
			n.node.Datas = append(n.node.Datas, it.ptr)
		}
		return n
	}

	k := (len(items) - 1) / 2
	if k > B {
		k = B
	}
	rest := len(items) - k
	fanout := k + 1
	pos := 0
	for i := 0; i < fanout; i++ {
		size := rest / fanout
		if i < rest%fanout {
			size++
		}
		n.children = append(n.children, buildSubtree(items[pos:pos+size]))
		pos += size
		if i < k {
			n.node.Keys = append(n.node.Keys, items[pos].key)
			n.node.Datas = append(n.node.Datas, items[pos].ptr)
			pos++
		}
	}
	return n
}

// WriteFiles builds the index and writes it next to its data file.
func (b *Builder) WriteFiles(indexPath, dataPath string) error {
	index, data, err := b.Build()
	if err != nil {
		return err
	}
	if err := writeFile(indexPath, index); err != nil {
		return err
	}
	return writeFile(dataPath, data)
}

func writeFile(path string, content []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(content); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
