package btindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"galleryindex/pkg/common"
)

func sampleNode() *Node {
	n := &Node{
		Keys:  [][]byte{{0x01, 0x02, 0x03, 0x04}, {0x80, 0x00, 0x00, 0x01}, {0xff, 0xff, 0xff, 0xff}},
		Datas: []common.DataPointer{{Offset: 0, Length: 8}, {Offset: 8, Length: 12}, {Offset: 1 << 40, Length: 4}},
	}
	n.Children[0] = 464
	n.Children[3] = 1000
	return n
}

func TestNodeRoundTrip(t *testing.T) {
	in := sampleNode()
	buf, err := EncodeNode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != EncodedSize(in) {
		t.Fatalf("encoded %d bytes, EncodedSize says %d", len(buf), EncodedSize(in))
	}

	// padding after the node must be ignored, as with a fixed fetch window
	padded := append(buf, make([]byte, 64)...)
	out, err := DecodeNode(padded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in.Keys, out.Keys) {
		t.Errorf("keys mismatch: %v vs %v", in.Keys, out.Keys)
	}
	if !reflect.DeepEqual(in.Datas, out.Datas) {
		t.Errorf("datas mismatch: %v vs %v", in.Datas, out.Datas)
	}
	if in.Children != out.Children {
		t.Errorf("children mismatch: %v vs %v", in.Children, out.Children)
	}
	if out.IsLeaf() {
		t.Error("node with children reported as leaf")
	}
}

func TestFullNodeFitsFetchWindow(t *testing.T) {
	n := &Node{}
	for i := 0; i < B; i++ {
		n.Keys = append(n.Keys, []byte{byte(i), 0, 0, 0})
		n.Datas = append(n.Datas, common.DataPointer{Offset: uint64(i), Length: 4})
	}
	if got := EncodedSize(n); got != MaxNodeSize {
		t.Fatalf("full node is %d bytes, want %d", got, MaxNodeSize)
	}
}

func TestDecodeRejectsBadKeySize(t *testing.T) {
	for _, size := range []int32{0, 33, -1} {
		buf := new(bytes.Buffer)
		binary.Write(buf, binary.BigEndian, int32(1))
		binary.Write(buf, binary.BigEndian, size)
		buf.Write(make([]byte, 64))

		_, err := DecodeNode(buf.Bytes())
		if !errors.Is(err, common.ErrCorruptIndex) {
			t.Errorf("key size %d: expected ErrCorruptIndex, got %v", size, err)
		}
	}
}

func TestDecodeRejectsTruncatedNode(t *testing.T) {
	buf, err := EncodeNode(sampleNode())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeNode(buf[:len(buf)-3])
	if !errors.Is(err, common.ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex for truncated child table, got %v", err)
	}
	if _, err := DecodeNode(nil); !errors.Is(err, common.ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex for empty buffer, got %v", err)
	}
}

func TestDecodeRejectsDataCountMismatch(t *testing.T) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(1))
	binary.Write(buf, binary.BigEndian, int32(4))
	buf.Write([]byte{1, 2, 3, 4})
	binary.Write(buf, binary.BigEndian, int32(2))
	buf.Write(make([]byte, 2*12+ChildCount*8))

	if _, err := DecodeNode(buf.Bytes()); !errors.Is(err, common.ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex, got %v", err)
	}
}

func TestLocate(t *testing.T) {
	n := sampleNode()
	cases := []struct {
		key   []byte
		idx   int
		found bool
	}{
		{[]byte{0x00, 0x00, 0x00, 0x00}, 0, false},
		{[]byte{0x01, 0x02, 0x03, 0x04}, 0, true},
		// 0x80 must sort after 0x01 (unsigned comparison)
		{[]byte{0x7f, 0xff, 0xff, 0xff}, 1, false},
		{[]byte{0x80, 0x00, 0x00, 0x01}, 1, true},
		{[]byte{0xff, 0xff, 0xff, 0xff}, 2, true},
	}
	for _, c := range cases {
		idx, found := n.Locate(c.key)
		if idx != c.idx || found != c.found {
			t.Errorf("Locate(%x) = (%d, %v), want (%d, %v)", c.key, idx, found, c.idx, c.found)
		}
	}
	empty := &Node{}
	if idx, found := empty.Locate([]byte{1, 2, 3, 4}); idx != 0 || found {
		t.Errorf("empty node Locate = (%d, %v)", idx, found)
	}
}

// lookup walks an in-memory index the same way the remote engine does.
func lookup(t *testing.T, index []byte, key []byte) (common.DataPointer, bool) {
	t.Helper()
	addr := uint64(0)
	for {
		end := addr + MaxNodeSize
		if end > uint64(len(index)) {
			end = uint64(len(index))
		}
		node, err := DecodeNode(index[addr:end])
		if err != nil {
			t.Fatalf("decode node at %d: %v", addr, err)
		}
		if len(node.Keys) == 0 {
			return common.DataPointer{}, false
		}
		i, found := node.Locate(key)
		if found {
			return node.Datas[i], true
		}
		if node.IsLeaf() {
			return common.DataPointer{}, false
		}
		addr = node.Children[i]
		if addr == 0 {
			t.Fatalf("inner node points at the root")
		}
	}
}

func TestBuilderProducesSearchableTree(t *testing.T) {
	for _, n := range []int{0, 1, 16, 17, 33, 500} {
		b := NewBuilder()
		for i := 0; i < n; i++ {
			key := make([]byte, 4)
			binary.BigEndian.PutUint32(key, uint32(i*7919+13))
			payload := make([]byte, 4)
			binary.BigEndian.PutUint32(payload, uint32(i))
			if err := b.Add(key, payload); err != nil {
				t.Fatalf("add: %v", err)
			}
		}
		index, data, err := b.Build()
		if err != nil {
			t.Fatalf("n=%d build: %v", n, err)
		}
		for i := 0; i < n; i++ {
			key := make([]byte, 4)
			binary.BigEndian.PutUint32(key, uint32(i*7919+13))
			ptr, ok := lookup(t, index, key)
			if !ok {
				t.Fatalf("n=%d: key %d not found", n, i)
			}
			got := binary.BigEndian.Uint32(data[ptr.Offset : ptr.Offset+uint64(ptr.Length)])
			if got != uint32(i) {
				t.Fatalf("n=%d: key %d points at payload %d", n, i, got)
			}
		}
		if _, ok := lookup(t, index, []byte{0xde, 0xad, 0xbe, 0xef}); ok {
			t.Fatalf("n=%d: absent key found", n)
		}
	}
}

func TestBuilderWriteFiles(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder()
	if err := b.AddTerm("loli", []byte{0, 0, 0, 1, 0, 0, 0, 9}); err != nil {
		t.Fatalf("add term: %v", err)
	}
	if err := b.Add(nil, nil); err == nil {
		t.Fatal("expected error for empty key")
	}
	idx := filepath.Join(dir, "galleries.1.index")
	dat := filepath.Join(dir, "galleries.1.data")
	if err := b.WriteFiles(idx, dat); err != nil {
		t.Fatalf("write files: %v", err)
	}
	index, err := os.ReadFile(idx)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	key := common.HashTerm("loli")
	ptr, ok := lookup(t, index, key.Bytes())
	if !ok || ptr.Offset != 0 || ptr.Length != 8 {
		t.Fatalf("unexpected pointer %v (found=%v)", ptr, ok)
	}
}
