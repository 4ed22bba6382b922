// Package earthstar defines the core types of an Earthstar replica:
// share and author addresses, document paths, signed documents, and the
// error kinds shared by every layer.
//
// A share is a replication group named by a share address. Mutually
// trusting authors write signed, path-addressed documents into the
// share, and replicas (package replica) store and exchange them. The
// types here are pure data; validation and signing live in packages
// format and crypto.
package earthstar
