//go:build !cgo

package export_test

const cgoEnabled = false
