//go:build linux && riscv64

package intercept

// NoIntercept is the no-intercept primitive exposed to hooks (spec.md
// GLOSSARY): a raw syscall bypassing every patched site, for a hook that
// needs to issue the real call itself — typically with modified
// arguments — and suppress the library's own forwarding.
func NoIntercept(num int64, a0, a1, a2, a3, a4, a5 uint64) int64 {
	return noIntercept(num, [6]uint64{a0, a1, a2, a3, a4, a5})
}
