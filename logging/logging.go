// Package logging configures the commonlog backend shared by all dynslice
// packages. Packages get their loggers with
// commonlog.GetLogger("dynslice.<package>").
package logging

import (
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// Root is the name prefix of every dynslice logger.
const Root = "dynslice"

// Configure sets the verbosity of all loggers and the file they write to.
// An empty path logs to stderr. Verbosity 0 logs notices and worse, each
// step up adds a level and each step down removes one.
func Configure(verbosity int, path string) {
	var p *string
	if path != "" {
		p = &path
	}
	commonlog.Configure(verbosity, p)
	commonlog.SetMaxLevel(commonlog.VerbosityToMaxLevel(verbosity), Root)
}

// Verbosity turns command line counters into a commonlog verbosity. quiet
// wins over verbose.
func Verbosity(quiet bool, verbose int) int {
	if quiet {
		return -4
	}
	return verbose
}

// SetLevel overrides the level of one package's logger, for example
// SetLevel("tracer", commonlog.Debug).
func SetLevel(pkg string, level commonlog.Level) {
	// new names in the hierarchy start out silent
	commonlog.SetMaxLevel(commonlog.GetMaxLevel(Root), Root)
	commonlog.SetMaxLevel(level, Root, pkg)
}
