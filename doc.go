// Package intercept hot-patches the ecall sites of a RISC-V64 process's
// loaded shared objects so that every syscall issued by the target program's
// C library is routed through a user-supplied hook before it reaches the
// kernel.
//
// Interception requires no ptrace, no kernel module and no re-linking: the
// library is meant to be preloaded (LD_PRELOAD) into the target process. At
// load time, before the target's own main runs, Init walks the process's
// loaded objects (C1), disassembles their text to find every ecall (C2),
// plans a patch for each site (C3), lays out the relocation buffer that
// holds the displaced instructions (C4) and finally overwrites the chosen
// bytes in place (C5). From that point on, every patched ecall is rerouted
// through the dispatcher (C6) before the real syscall ever runs.
package intercept
