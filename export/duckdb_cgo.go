//go:build cgo

package export

// The DuckDB driver is a cgo binding, so it is only linked in cgo builds.
import _ "github.com/marcboeker/go-duckdb"
