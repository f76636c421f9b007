// Package btindex reads and writes the remote B-tree index format.
//
// An index file is a sequence of nodes addressed by byte offset, the root
// living at offset 0. Every integer is big-endian:
//
//	int32  numberOfKeys
//	       numberOfKeys x { int32 keySize (1..32), keySize bytes }
//	int32  numberOfDatas
//	       numberOfDatas x { uint64 offset, int32 length }
//	       17 x uint64 child offset (0 = no child)
//
// Datas point into the sibling .data file.
package btindex

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"galleryindex/pkg/common"
)

const (
	B          = 16
	ChildCount = B + 1
	MaxKeySize = 32
	// MaxNodeSize is the fetch window for one node: 16 four-byte keys with
	// their datas and the child table.
	MaxNodeSize = 464
)

type Node struct {
	Keys     [][]byte
	Datas    []common.DataPointer
	Children [ChildCount]uint64
}

// IsLeaf reports whether every child slot is empty.
func (n *Node) IsLeaf() bool {
	for _, c := range n.Children {
		if c != 0 {
			return false
		}
	}
	return true
}

// Locate returns the index of the first key >= key, and whether that key is
// an exact match. When every key is smaller the index is len(n.Keys).
func (n *Node) Locate(key []byte) (int, bool) {
	for i, k := range n.Keys {
		cmp := bytes.Compare(key, k)
		if cmp <= 0 {
			return i, cmp == 0
		}
	}
	return len(n.Keys), false
}

// DecodeNode parses one node from buf. buf may extend past the end of the
// node, as it does when a fixed MaxNodeSize window is fetched.
func DecodeNode(buf []byte) (*Node, error) {
	r := bytes.NewReader(buf)

	var numKeys int32
	if err := binary.Read(r, binary.BigEndian, &numKeys); err != nil {
		return nil, corrupt(err, "key count")
	}
	// every key costs at least 5 bytes, anything beyond that is garbage
	if numKeys < 0 || int(numKeys)*5 > len(buf) {
		return nil, errors.Wrapf(common.ErrCorruptIndex, "key count %d", numKeys)
	}

	node := &Node{
		Keys:  make([][]byte, numKeys),
		Datas: make([]common.DataPointer, 0, numKeys),
	}
	for i := range node.Keys {
		var size int32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, corrupt(err, "key size")
		}
		if size <= 0 || size > MaxKeySize {
			return nil, errors.Wrapf(common.ErrCorruptIndex, "key %d has size %d", i, size)
		}
		key := make([]byte, size)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, corrupt(err, "key bytes")
		}
		node.Keys[i] = key
	}

	var numDatas int32
	if err := binary.Read(r, binary.BigEndian, &numDatas); err != nil {
		return nil, corrupt(err, "data count")
	}
	if numDatas != numKeys {
		return nil, errors.Wrapf(common.ErrCorruptIndex, "%d datas for %d keys", numDatas, numKeys)
	}
	for i := 0; i < int(numDatas); i++ {
		var p common.DataPointer
		if err := binary.Read(r, binary.BigEndian, &p.Offset); err != nil {
			return nil, corrupt(err, "data offset")
		}
		if err := binary.Read(r, binary.BigEndian, &p.Length); err != nil {
			return nil, corrupt(err, "data length")
		}
		node.Datas = append(node.Datas, p)
	}

	if err := binary.Read(r, binary.BigEndian, &node.Children); err != nil {
		return nil, corrupt(err, "child table")
	}
	return node, nil
}

func corrupt(err error, what string) error {
	return errors.Wrapf(common.ErrCorruptIndex, "truncated %s: %v", what, err)
}

// EncodedSize is the number of bytes EncodeNode produces for n.
func EncodedSize(n *Node) int {
	size := 4 + 4 + len(n.Datas)*12 + ChildCount*8
	for _, k := range n.Keys {
		size += 4 + len(k)
	}
	return size
}

// EncodeNode serialises n in the index wire layout.
func EncodeNode(n *Node) ([]byte, error) {
	if len(n.Keys) != len(n.Datas) {
		return nil, errors.Errorf("btindex: %d keys but %d datas", len(n.Keys), len(n.Datas))
	}
	buf := make([]byte, 0, EncodedSize(n))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.Keys)))
	for _, k := range n.Keys {
		if len(k) == 0 || len(k) > MaxKeySize {
			return nil, errors.Errorf("btindex: key size %d out of range", len(k))
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.Datas)))
	for _, d := range n.Datas {
		buf = binary.BigEndian.AppendUint64(buf, d.Offset)
		buf = binary.BigEndian.AppendUint32(buf, uint32(d.Length))
	}
	for _, c := range n.Children {
		buf = binary.BigEndian.AppendUint64(buf, c)
	}
	return buf, nil
}
