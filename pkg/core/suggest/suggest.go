// Package suggest resolves autocomplete suggestions from the tag index.
package suggest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"strings"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"

	"galleryindex/pkg/common"
	"galleryindex/pkg/core/search"
)

const (
	MaxSuggestions = 100
	maxBlobLength  = 10000
)

type Suggestion struct {
	Namespace string `json:"namespace"`
	Tag       string `json:"tag"`
	Count     int32  `json:"count"`
}

// Query renders the suggestion the way a user would type it back, with
// spaces as underscores.
func (s Suggestion) Query() string {
	tag := strings.ReplaceAll(s.Tag, " ", "_")
	if s.Namespace == "" || s.Namespace == "tag" {
		return tag
	}
	return s.Namespace + ":" + tag
}

// Decode parses a suggestion blob: int32 count (1..100) followed by count
// records of {int32 len, namespace, int32 len, tag, int32 count}.
func Decode(buf []byte) ([]Suggestion, error) {
	r := bytes.NewReader(buf)
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, pkgerrors.Wrap(common.ErrCorruptData, "suggestion count")
	}
	if n <= 0 || n > MaxSuggestions {
		return nil, pkgerrors.Wrapf(common.ErrCorruptData, "suggestion count %d", n)
	}

	out := make([]Suggestion, 0, n)
	for i := 0; i < int(n); i++ {
		ns, err := readString(r)
		if err != nil {
			return nil, err
		}
		tag, err := readString(r)
		if err != nil {
			return nil, err
		}
		var count int32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, pkgerrors.Wrapf(common.ErrCorruptData, "suggestion %d count", i)
		}
		out = append(out, Suggestion{Namespace: ns, Tag: tag, Count: count})
	}
	return out, nil
}

func readString(r *bytes.Reader) (string, error) {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return "", pkgerrors.Wrap(common.ErrCorruptData, "string length")
	}
	if size < 0 || int(size) > r.Len() {
		return "", pkgerrors.Wrapf(common.ErrCorruptData, "string length %d", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", pkgerrors.Wrap(common.ErrCorruptData, "string bytes")
	}
	if !utf8.Valid(b) {
		return "", pkgerrors.Wrap(common.ErrCorruptData, "string is not utf-8")
	}
	return string(b), nil
}

// Encode is the inverse of Decode.
func Encode(list []Suggestion) []byte {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(list)))
	for _, s := range list {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Namespace)))
		buf = append(buf, s.Namespace...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Tag)))
		buf = append(buf, s.Tag...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(s.Count))
	}
	return buf
}

// Index is the engine surface suggestions need.
type Index interface {
	Search(ctx context.Context, field string, key common.SearchKey) (common.DataPointer, bool, error)
	FetchData(ctx context.Context, field string, ptr common.DataPointer) ([]byte, error)
}

type Service struct {
	index Index
}

func NewService(index Index) *Service {
	return &Service{index: index}
}

// Suggest returns suggestions for partially typed text. "ns:term" searches
// the ns field, anything else the global field. Unreachable or corrupt
// index data yields no suggestions; only version and context failures are
// returned.
func (s *Service) Suggest(ctx context.Context, text string) ([]Suggestion, error) {
	text = common.NormalizeTerm(text)
	if text == "" {
		return nil, nil
	}
	field, term := search.FieldGlobal, text
	if ns, rest, ok := strings.Cut(text, ":"); ok {
		field, term = ns, rest
	}
	if field == "" || term == "" {
		return nil, nil
	}
	// only the tag indexes hold suggestion blobs
	if search.IndexDir(field) != "tagindex" {
		return nil, nil
	}

	list, err := s.lookup(ctx, field, term)
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		log.Printf("[Suggest] %s:%s: %v", field, term, err)
		return nil, nil
	}
	return list, nil
}

func (s *Service) lookup(ctx context.Context, field, term string) ([]Suggestion, error) {
	ptr, ok, err := s.index.Search(ctx, field, common.HashTerm(term))
	if err != nil || !ok {
		return nil, err
	}
	if ptr.Length <= 0 || ptr.Length > maxBlobLength {
		return nil, pkgerrors.Wrapf(common.ErrCorruptData, "suggestion blob length %d", ptr.Length)
	}
	blob, err := s.index.FetchData(ctx, field, ptr)
	if err != nil {
		return nil, err
	}
	return Decode(blob)
}

func isFatal(err error) bool {
	return errors.Is(err, common.ErrVersion) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
