package common

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// SearchKey is the B-tree comparison key: the first 4 bytes of the SHA-256
// digest of a lowercased term.
type SearchKey [4]byte

// HashTerm builds the SearchKey for a term. The term is lowercased first so
// "Loli" and "loli" land on the same node entry.
func HashTerm(term string) SearchKey {
	sum := sha256.Sum256([]byte(strings.ToLower(term)))
	var k SearchKey
	copy(k[:], sum[:4])
	return k
}

// Bytes returns the key as a slice for comparison against node keys.
func (k SearchKey) Bytes() []byte {
	return k[:]
}

func (k SearchKey) String() string {
	return fmt.Sprintf("%x", k[:])
}

// DataPointer addresses a blob inside a .data file.
type DataPointer struct {
	Offset uint64
	Length int32
}

func (p DataPointer) String() string {
	return fmt.Sprintf("DataPointer{Offset: %d, Len: %d}", p.Offset, p.Length)
}

// NormalizeTerm applies the site's term conventions: lowercase, trimmed,
// underscores stand for spaces.
func NormalizeTerm(term string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(term)), "_", " ")
}
