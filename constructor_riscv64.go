//go:build linux && riscv64

package intercept

import "C"

import (
	"fmt"
	"os"
)

// interceptGoConstructor is the exported Go entry point constructor_riscv64.c's
// __attribute__((constructor)) shim calls. It turns Init's testable error
// return into the single-stderr-line abort spec.md §7 requires, keeping
// that decision at the outermost edge rather than inside Init itself.
//
//export intercept_go_constructor
func interceptGoConstructor() {
	if err := Init(ConfigFromEnv()); err != nil {
		fmt.Fprintf(os.Stderr, "intercept: startup failed: %v\n", err)
		os.Exit(1)
	}
}
