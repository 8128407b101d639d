//go:build !(linux && riscv64)

package intercept

import "gitlab.com/tozd/go/errors"

// Init is unavailable outside linux/riscv64; the real implementation lives
// in init.go. Kept so callers can depend on this package from a
// multi-arch build without guarding every call site with a build tag.
func Init(cfg Config) error {
	return errors.WithStack(ErrNotRISCV64)
}
