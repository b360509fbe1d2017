//go:build sqlite_vec && cgo

package vectorindex

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// init registers the sqlite-vec extension with the cgo SQLite library when
// the binary is built with cgo and -tags sqlite_vec. The Store opens its
// database through modernc.org/sqlite, which does not load this extension,
// so in every build Search ranks with the hashing-trick embedding and the
// vector_distance_cos scalar function registered in index.go.
func init() {
	vec.Auto()
}
