package federation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/weftfed/weft/vocab"
)

// CollectionSyncHeader is the followers-collection synchronization header
// sent alongside activities addressed to followers.
const CollectionSyncHeader = "Collection-Synchronization"

// CollectionPage is one page of a dispatched collection. Items may be IRI
// values or inline objects. Empty cursors mean no neighboring page in that
// direction.
type CollectionPage struct {
	Items      []*vocab.Value
	PrevCursor string
	NextCursor string
}

// CollectionDispatcher produces a page of a collection. The cursor is ""
// for un-paged collections and otherwise an opaque application token.
type CollectionDispatcher[T any] func(c *Context[T], values map[string]string, cursor string) (*CollectionPage, error)

// CollectionCounter produces a collection's totalItems.
type CollectionCounter[T any] func(c *Context[T], values map[string]string) (int64, error)

// CollectionCursor produces the cursor of a collection's first or last
// page, or "" when the collection is empty.
type CollectionCursor[T any] func(c *Context[T], values map[string]string) (string, error)

// CollectionDigest computes the FEP-8fcf partial-followers digest: the
// XOR fold of the SHA-256 hashes of the distinct item IRIs, hex encoded.
// Order does not matter and duplicates do not change the result.
func CollectionDigest(iris []string) string {
	var fold [sha256.Size]byte
	seen := make(map[string]struct{}, len(iris))
	for _, iri := range iris {
		if _, dup := seen[iri]; dup {
			continue
		}
		seen[iri] = struct{}{}
		sum := sha256.Sum256([]byte(iri))
		for i := range fold {
			fold[i] ^= sum[i]
		}
	}
	return hex.EncodeToString(fold[:])
}

// syncHeaderValue builds the Collection-Synchronization header value for a
// followers collection: the collection IRI, the partial-collection URL
// scoped to the recipient server, and the digest over that partition.
func syncHeaderValue(collectionID, partialURL, digest string) string {
	return fmt.Sprintf(`collectionId=%q, url=%q, digest=%q`, collectionID, partialURL, digest)
}

// partialCollectionURL scopes a followers collection URL to one recipient
// origin for collection synchronization. The base URL always carries a
// trailing slash.
func partialCollectionURL(collectionID, recipientOrigin string) string {
	if !strings.HasSuffix(recipientOrigin, "/") {
		recipientOrigin += "/"
	}
	return collectionID + "?base-url=" + url.QueryEscape(recipientOrigin)
}

// serveCollection renders a collection endpoint. Without a registered
// first-page cursor the whole collection is returned inline; with one, the
// naked endpoint returns a container pointing at the first and last pages
// and each ?cursor= request returns one OrderedCollectionPage.
func (f *Federation[T]) serveCollection(c *Context[T], ep *collectionEndpoint[T], name string, values map[string]string, cursor string, hasCursor bool) (*vocab.Object, error) {
	id, err := f.build(name, values)
	if err != nil {
		return nil, err
	}

	if ep.first == nil {
		// Un-paged: one dispatch call carries everything.
		page, err := ep.dispatch(c, values, "")
		if err != nil {
			return nil, err
		}
		col := vocab.NewObject(vocab.TypeOrderedCollection)
		col.SetID(id)
		col.Set("totalItems", vocab.Float(float64(len(page.Items))))
		if len(page.Items) > 0 {
			col.Set("orderedItems", page.Items...)
		}
		return col, nil
	}

	if !hasCursor {
		// Container document: metadata plus first/last page links.
		col := vocab.NewObject(vocab.TypeOrderedCollection)
		col.SetID(id)
		if ep.count != nil {
			n, err := ep.count(c, values)
			if err != nil {
				return nil, err
			}
			col.Set("totalItems", vocab.Float(float64(n)))
		}
		first, err := ep.first(c, values)
		if err != nil {
			return nil, err
		}
		if first != "" {
			col.Set("first", vocab.IRI(pageURL(id, first)))
		}
		if ep.last != nil {
			last, err := ep.last(c, values)
			if err != nil {
				return nil, err
			}
			if last != "" {
				col.Set("last", vocab.IRI(pageURL(id, last)))
			}
		}
		return col, nil
	}

	page, err := ep.dispatch(c, values, cursor)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, nil
	}
	doc := vocab.NewObject(vocab.TypeOrderedCollectionPage)
	doc.SetID(pageURL(id, cursor))
	doc.Set("partOf", vocab.IRI(id))
	if page.PrevCursor != "" {
		doc.Set("prev", vocab.IRI(pageURL(id, page.PrevCursor)))
	}
	if page.NextCursor != "" {
		doc.Set("next", vocab.IRI(pageURL(id, page.NextCursor)))
	}
	if len(page.Items) > 0 {
		doc.Set("orderedItems", page.Items...)
	}
	return doc, nil
}

func pageURL(collectionID, cursor string) string {
	return collectionID + "?cursor=" + url.QueryEscape(cursor)
}

// followersForServer walks the followers collection of an identifier and
// returns the follower IRIs, partitioned to one recipient origin when
// origin is non-empty. Pagination is followed to exhaustion.
func (f *Federation[T]) followersForServer(c *Context[T], identifier, origin string) ([]string, error) {
	ep, ok := f.collectionEndpoints[routeFollowers]
	if !ok {
		return nil, fmt.Errorf("no followers collection registered")
	}
	values := map[string]string{"identifier": identifier}

	cursor := ""
	if ep.first != nil {
		first, err := ep.first(c, values)
		if err != nil {
			return nil, err
		}
		cursor = first
	}

	var iris []string
	for i := 0; ; i++ {
		if i > maxCollectionPages {
			return nil, fmt.Errorf("followers collection of %q exceeds %d pages", identifier, maxCollectionPages)
		}
		page, err := ep.dispatch(c, values, cursor)
		if err != nil {
			return nil, err
		}
		if page == nil {
			break
		}
		for _, item := range page.Items {
			iri := item.IRIValue()
			if iri == "" {
				if obj := item.Inlined(); obj != nil {
					iri = obj.ID()
				}
			}
			if iri == "" {
				continue
			}
			if origin != "" && !sameOrigin(iri, origin) {
				continue
			}
			iris = append(iris, iri)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return iris, nil
}

// maxCollectionPages bounds followers pagination so a buggy dispatcher
// cannot loop delivery forever.
const maxCollectionPages = 10000

func sameOrigin(iri, origin string) bool {
	u, err := url.Parse(iri)
	if err != nil {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Scheme == o.Scheme && u.Host == o.Host
}
