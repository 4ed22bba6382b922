// Package query defines the replica query surface: the query record,
// its canonicalisation, the filter predicates, and pure execution
// helpers that drivers share.
//
// Everything here is a pure transformation; drivers push whatever
// subset they can express down to their back-end and post-process the
// rest with these helpers.
package query

import (
	earthstar "github.com/earthstar-project/earthstar-go"
)

// HistoryMode selects between every stored document and only the
// winner at each path.
type HistoryMode string

const (
	// HistoryLatest returns only the newest document at each path.
	HistoryLatest HistoryMode = "latest"
	// HistoryAll returns every stored document, including superseded
	// versions by other authors.
	HistoryAll HistoryMode = "all"
)

// Order names a document ordering.
type Order string

const (
	OrderPathAsc        Order = "path ASC"
	OrderPathDesc       Order = "path DESC"
	OrderLocalIndexAsc  Order = "localIndex ASC"
	OrderLocalIndexDesc Order = "localIndex DESC"
)

// Filter restricts which documents a query matches. Pointer fields are
// ignored when nil; note that a pointer to an empty string is a filter
// that can never match.
type Filter struct {
	Path           *earthstar.Path
	PathStartsWith string
	PathEndsWith   string
	PathGlob       string

	Author *earthstar.AuthorAddress
	Share  *earthstar.ShareAddress

	Timestamp   *int64
	TimestampGt *int64
	TimestampLt *int64

	// Content lengths are measured in bytes of the UTF-8 encoding.
	ContentLength   *int64
	ContentLengthGt *int64
	ContentLengthLt *int64
}

// Query is a request for documents.
type Query struct {
	HistoryMode HistoryMode
	OrderBy     Order
	Limit       *int
	Filter      *Filter
	Formats     []string
}

// WillMatch classifies a canonicalised query.
type WillMatch string

const (
	WillMatchAll     WillMatch = "all"
	WillMatchSome    WillMatch = "some"
	WillMatchNothing WillMatch = "nothing"
)

// CleanUp canonicalises a query: defaults are filled in, a glob that is
// really an exact path is collapsed, and queries that cannot possibly
// match are classified as WillMatchNothing so callers can short-circuit.
// An unknown enum value is a programmer error and is returned as one.
func CleanUp(q Query) (Query, WillMatch, error) {
	switch q.HistoryMode {
	case "":
		q.HistoryMode = HistoryLatest
	case HistoryLatest, HistoryAll:
	default:
		return q, WillMatchNothing, earthstar.Validationf("unknown history mode %q", q.HistoryMode)
	}

	switch q.OrderBy {
	case "":
		q.OrderBy = OrderPathAsc
	case OrderPathAsc, OrderPathDesc, OrderLocalIndexAsc, OrderLocalIndexDesc:
	default:
		return q, WillMatchNothing, earthstar.Validationf("unknown order %q", q.OrderBy)
	}

	if q.Limit != nil && *q.Limit <= 0 {
		return q, WillMatchNothing, nil
	}

	if f := q.Filter; f != nil {
		cleaned := *f
		if cleaned.PathGlob != "" && !hasWildcard(cleaned.PathGlob) {
			p := earthstar.Path(cleaned.PathGlob)
			cleaned.Path = &p
			cleaned.PathGlob = ""
		}
		q.Filter = &cleaned

		switch {
		case cleaned.Path != nil && *cleaned.Path == "":
			return q, WillMatchNothing, nil
		case cleaned.Author != nil && *cleaned.Author == "":
			return q, WillMatchNothing, nil
		case cleaned.Share != nil && *cleaned.Share == "":
			return q, WillMatchNothing, nil
		case cleaned.TimestampLt != nil && *cleaned.TimestampLt <= 0:
			return q, WillMatchNothing, nil
		case cleaned.ContentLengthLt != nil && *cleaned.ContentLengthLt <= 0:
			return q, WillMatchNothing, nil
		}
	}

	if len(q.Formats) == 0 && q.Filter == nil && q.Limit == nil {
		return q, WillMatchAll, nil
	}
	return q, WillMatchSome, nil
}

// DocMatchesFilter applies the filter predicates to one document.
func DocMatchesFilter(doc earthstar.Doc, f Filter) bool {
	path := string(doc.Path)
	if f.Path != nil && doc.Path != *f.Path {
		return false
	}
	if f.PathStartsWith != "" && !hasPrefix(path, f.PathStartsWith) {
		return false
	}
	if f.PathEndsWith != "" && !hasSuffix(path, f.PathEndsWith) {
		return false
	}
	if f.PathGlob != "" && !GlobMatches(f.PathGlob, path) {
		return false
	}
	if f.Author != nil && doc.Author != *f.Author {
		return false
	}
	if f.Share != nil && doc.Share != *f.Share {
		return false
	}
	if f.Timestamp != nil && doc.Timestamp != *f.Timestamp {
		return false
	}
	if f.TimestampGt != nil && doc.Timestamp <= *f.TimestampGt {
		return false
	}
	if f.TimestampLt != nil && doc.Timestamp >= *f.TimestampLt {
		return false
	}

	contentLength := int64(len(doc.Body()))
	if f.ContentLength != nil && contentLength != *f.ContentLength {
		return false
	}
	if f.ContentLengthGt != nil && contentLength <= *f.ContentLengthGt {
		return false
	}
	if f.ContentLengthLt != nil && contentLength >= *f.ContentLengthLt {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
