// Package autostart bootstraps memprof when imported.
//
//	import _ "github.com/coral-mesh/memprof/pkg/memprof/autostart"
//
// Failures are logged and leave profiling disabled.
package autostart

import (
	"github.com/coral-mesh/memprof/pkg/memprof"
)

func init() {
	_ = memprof.Bootstrap(memprof.Options{})
}
