package query

import (
	"sort"

	earthstar "github.com/earthstar-project/earthstar-go"
)

// Run executes a canonicalised query over an in-memory document set:
// lazy expiry, format whitelist, filter, history reduction, ordering,
// limit — in that order. Drivers that can express part of this push it
// down and use Run (or its pieces) for the rest.
func Run(docs []earthstar.Doc, q Query, now int64) []earthstar.Doc {
	out := make([]earthstar.Doc, 0, len(docs))
	for _, doc := range docs {
		if doc.DeleteAfter != 0 && doc.DeleteAfter <= now {
			continue
		}
		if len(q.Formats) > 0 && !containsString(q.Formats, doc.Format) {
			continue
		}
		if q.Filter != nil && !DocMatchesFilter(doc, *q.Filter) {
			continue
		}
		out = append(out, doc)
	}

	if q.HistoryMode == HistoryLatest {
		out = LatestPerPath(out)
	}

	Sort(out, q.OrderBy)

	if q.Limit != nil && len(out) > *q.Limit {
		out = out[:*q.Limit]
	}
	return out
}

// LatestPerPath reduces a document set to the history winner at each
// path, compared across authors.
func LatestPerPath(docs []earthstar.Doc) []earthstar.Doc {
	winners := make(map[earthstar.Path]earthstar.Doc, len(docs))
	for _, doc := range docs {
		prev, ok := winners[doc.Path]
		if !ok || earthstar.DocIsNewer(doc, prev) {
			winners[doc.Path] = doc
		}
	}
	out := make([]earthstar.Doc, 0, len(winners))
	for _, doc := range winners {
		out = append(out, doc)
	}
	return out
}

// Sort orders docs in place. Path orderings break ties within a path
// by the history comparator, newest first.
func Sort(docs []earthstar.Doc, order Order) {
	switch order {
	case OrderPathDesc:
		sort.SliceStable(docs, func(i, j int) bool {
			if docs[i].Path != docs[j].Path {
				return docs[i].Path > docs[j].Path
			}
			return earthstar.DocIsNewer(docs[i], docs[j])
		})
	case OrderLocalIndexAsc:
		sort.SliceStable(docs, func(i, j int) bool {
			return docs[i].LocalIndex < docs[j].LocalIndex
		})
	case OrderLocalIndexDesc:
		sort.SliceStable(docs, func(i, j int) bool {
			return docs[i].LocalIndex > docs[j].LocalIndex
		})
	default: // OrderPathAsc
		sort.SliceStable(docs, func(i, j int) bool {
			if docs[i].Path != docs[j].Path {
				return docs[i].Path < docs[j].Path
			}
			return earthstar.DocIsNewer(docs[i], docs[j])
		})
	}
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
