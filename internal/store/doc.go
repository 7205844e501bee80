// Package store defines the document-store contract the repositories are
// built on: indices of JSON documents keyed by string id, with get, create,
// update, bulk create, and a filtered, paginated search that can also
// compute a max aggregate. Implementations live in sub-packages; this package
// must not import database drivers or concrete clients.
package store
