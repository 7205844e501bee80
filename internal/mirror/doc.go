// Package mirror defines the catalog types shared by the resolver, crawler,
// updater and HTTP layers: the upstream map and map-set representations, the
// stored Entity envelope, and the small consumer-side interfaces the long
// running units depend on. It must not import storage drivers or clients.
package mirror
