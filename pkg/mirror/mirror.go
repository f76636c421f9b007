// Package mirror turns a small YAML catalog of galleries into the remote
// index layout: B-tree index and data files, version tokens and nozomi
// lists. The output can be served by any HTTP server that honours Range.
package mirror

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"galleryindex/pkg/common"
	"galleryindex/pkg/core/nozomi"
	"galleryindex/pkg/core/search"
	"galleryindex/pkg/core/suggest"
	"galleryindex/pkg/storage/btindex"
)

// suggestionsPerPrefix caps every autocomplete blob.
const suggestionsPerPrefix = 10

// Gallery is one catalog entry. Tags are written as typed in a search,
// "ns:term" or a bare term.
type Gallery struct {
	Language string   `yaml:"language"`
	Tags     []string `yaml:"tags"`
}

type Catalog struct {
	Version   string             `yaml:"version"`
	Prefix    string             `yaml:"nozomi_prefix"`
	Galleries map[uint32]Gallery `yaml:"galleries"`
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, errors.Wrapf(err, "mirror: parse %s", path)
	}
	if cat.Version == "" {
		cat.Version = "1"
	}
	if cat.Prefix == "" {
		cat.Prefix = "n"
	}
	return &cat, nil
}

type tagKey struct {
	ns, term string
}

// Build renders the catalog as object path -> content.
func Build(cat *Catalog) (map[string][]byte, error) {
	files := make(map[string][]byte)

	tags := make(map[tagKey][]uint32)
	langs := make(map[string][]uint32)
	var all []uint32
	for id, g := range cat.Galleries {
		all = append(all, id)
		if lang := common.NormalizeTerm(g.Language); lang != "" {
			langs[lang] = append(langs[lang], id)
		}
		for _, raw := range g.Tags {
			ns, term := splitTag(raw)
			if term == "" {
				return nil, errors.Errorf("mirror: gallery %d has an empty tag %q", id, raw)
			}
			k := tagKey{ns, term}
			tags[k] = append(tags[k], id)
		}
	}

	files[nozomi.Path(cat.Prefix, "", "index", "all")] = nozomi.Encode(newestFirst(all))
	for lang, ids := range langs {
		files[nozomi.Path(cat.Prefix, "", "index", lang)] = nozomi.Encode(newestFirst(ids))
	}

	galleries := btindex.NewBuilder()
	byTerm := make(map[string][]uint32)
	for k, ids := range tags {
		switch k.ns {
		case "female", "male":
			files[nozomi.Path(cat.Prefix, "tag", k.ns+":"+k.term, "all")] = nozomi.Encode(newestFirst(ids))
		default:
			// other namespaces share the bare term in the galleries index
			byTerm[k.term] = append(byTerm[k.term], ids...)
		}
	}
	for term, ids := range byTerm {
		if err := galleries.AddTerm(term, nozomi.EncodeGalleries(dedupe(ids))); err != nil {
			return nil, err
		}
	}
	if err := put(files, search.FieldGalleries, cat.Version, galleries); err != nil {
		return nil, err
	}

	if err := buildSuggestions(files, cat.Version, tags); err != nil {
		return nil, err
	}
	return files, nil
}

// buildSuggestions writes the global field, keyed by every prefix of every
// term, and one field per namespace keyed the same way.
func buildSuggestions(files map[string][]byte, version string, tags map[tagKey][]uint32) error {
	type bucket map[string][]suggest.Suggestion
	global := bucket{}
	perNS := map[string]bucket{}

	for k, ids := range tags {
		ns := k.ns
		if ns == "" {
			ns = "tag"
		}
		s := suggest.Suggestion{Namespace: ns, Tag: k.term, Count: int32(len(dedupe(ids)))}
		// a namespace named like another index family cannot get a field
		own := search.IndexDir(ns) == "tagindex" && ns != search.FieldGlobal
		if own && perNS[ns] == nil {
			perNS[ns] = bucket{}
		}
		add := func(p string) {
			global[p] = append(global[p], s)
			if own {
				perNS[ns][p] = append(perNS[ns][p], s)
			}
		}
		for i := range k.term {
			if i > 0 {
				add(k.term[:i])
			}
		}
		add(k.term)
	}

	encode := func(field string, b bucket) error {
		builder := btindex.NewBuilder()
		for prefix, list := range b {
			sort.Slice(list, func(i, j int) bool {
				if list[i].Count != list[j].Count {
					return list[i].Count > list[j].Count
				}
				return list[i].Namespace+":"+list[i].Tag < list[j].Namespace+":"+list[j].Tag
			})
			if len(list) > suggestionsPerPrefix {
				list = list[:suggestionsPerPrefix]
			}
			if err := builder.AddTerm(prefix, suggest.Encode(list)); err != nil {
				return err
			}
		}
		return put(files, field, version, builder)
	}

	if err := encode(search.FieldGlobal, global); err != nil {
		return err
	}
	for ns, b := range perNS {
		if err := encode(ns, b); err != nil {
			return err
		}
	}
	return nil
}

func put(files map[string][]byte, field, version string, b *btindex.Builder) error {
	index, data, err := b.Build()
	if err != nil {
		return errors.Wrapf(err, "mirror: field %s", field)
	}
	dir := search.IndexDir(field)
	base := dir + "/" + field + "." + version
	files[base+".index"] = index
	files[base+".data"] = data
	files[dir+"/version"] = []byte(version + "\n")
	return nil
}

// WriteDir writes files below dir, creating directories as needed.
func WriteDir(dir string, files map[string][]byte) error {
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return errors.Wrapf(err, "mirror: write %s", p)
		}
	}
	return nil
}

func splitTag(raw string) (ns, term string) {
	t := common.NormalizeTerm(raw)
	if n, rest, ok := strings.Cut(t, ":"); ok {
		return strings.TrimSpace(n), strings.TrimSpace(rest)
	}
	return "", t
}

// newestFirst sorts descending, the order nozomi lists are published in.
func newestFirst(ids []uint32) []uint32 {
	out := dedupe(ids)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

func dedupe(ids []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(ids))
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
