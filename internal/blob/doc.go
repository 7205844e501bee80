// Package blob groups the object stores that index exports are written to.
// Each implementation exposes PutObject(ctx, path, contentType, r) and
// returns a URI for the written object.
package blob
