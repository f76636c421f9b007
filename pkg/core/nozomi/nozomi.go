// Package nozomi decodes the big-endian uint32 id lists used by the site,
// both as standalone .nozomi files and as galleries index payloads.
package nozomi

import (
	"encoding/binary"
	"path"

	"github.com/pkg/errors"

	"galleryindex/pkg/common"
)

const (
	Extension = ".nozomi"
	// MaxGalleries bounds the count prefix of a galleries blob.
	MaxGalleries = 10_000_000
)

// Decode reads a headerless id list. The byte range bounds the count, so a
// length that is not a multiple of 4 means the range was cut mid-id.
func Decode(buf []byte) ([]uint32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.Wrapf(common.ErrCorruptData, "nozomi length %d is not a multiple of 4", len(buf))
	}
	ids := make([]uint32, len(buf)/4)
	for i := range ids {
		ids[i] = binary.BigEndian.Uint32(buf[i*4:])
	}
	return ids, nil
}

// DecodeGalleries reads a galleries payload: an int32 count followed by
// exactly count ids.
func DecodeGalleries(buf []byte) ([]uint32, error) {
	if len(buf) < 4 {
		return nil, errors.Wrapf(common.ErrCorruptData, "galleries blob of %d bytes", len(buf))
	}
	count := int32(binary.BigEndian.Uint32(buf))
	if count <= 0 || count > MaxGalleries {
		return nil, errors.Wrapf(common.ErrCorruptData, "galleries count %d", count)
	}
	if want := 4 + 4*int(count); len(buf) != want {
		return nil, errors.Wrapf(common.ErrCorruptData, "galleries blob is %d bytes, count %d needs %d", len(buf), count, want)
	}
	return Decode(buf[4:])
}

func Encode(ids []uint32) []byte {
	buf := make([]byte, 0, 4*len(ids))
	for _, id := range ids {
		buf = binary.BigEndian.AppendUint32(buf, id)
	}
	return buf
}

func EncodeGalleries(ids []uint32) []byte {
	buf := make([]byte, 0, 4+4*len(ids))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	return append(buf, Encode(ids)...)
}

// Path is the object path of a nozomi list below the domain:
// <prefix>/[<area>/]<tag>-<language>.nozomi
func Path(prefix, area, tag, language string) string {
	name := tag + "-" + language + Extension
	if area == "" {
		return path.Join(prefix, name)
	}
	return path.Join(prefix, area, name)
}
