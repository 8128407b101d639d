package intercept

import "sync"

var (
	hookMu         sync.Mutex
	hookFunc       Hook
	childHookFunc  CloneChildHook
	parentHookFunc CloneParentHook
)

// SetHook installs the single global interception hook (spec.md §5: "no
// multi-hook support"), implementing intercept_hook_point. Passing nil
// forwards every syscall unchanged. Init copies the hook installed at the
// moment it runs into the Dispatcher; a SetHook call made after Init does
// not change the hook that Dispatcher uses.
func SetHook(h Hook) {
	hookMu.Lock()
	defer hookMu.Unlock()
	hookFunc = h
}

// SetCloneChildHook installs intercept_hook_point_clone_child, called
// with no arguments in a freshly created child once a same-stack
// clone/clone3 this library forwarded has returned there. Distinct from
// SetHook: a clone child notification carries no syscall number or
// arguments to share that callback's signature with.
func SetCloneChildHook(h CloneChildHook) {
	hookMu.Lock()
	defer hookMu.Unlock()
	childHookFunc = h
}

// SetCloneParentHook installs intercept_hook_point_clone_parent, called
// in the parent with the new child's tid once the same clone/clone3 call
// returns.
func SetCloneParentHook(h CloneParentHook) {
	hookMu.Lock()
	defer hookMu.Unlock()
	parentHookFunc = h
}

func currentHook() Hook {
	hookMu.Lock()
	defer hookMu.Unlock()
	return hookFunc
}

func currentChildHook() CloneChildHook {
	hookMu.Lock()
	defer hookMu.Unlock()
	return childHookFunc
}

func currentParentHook() CloneParentHook {
	hookMu.Lock()
	defer hookMu.Unlock()
	return parentHookFunc
}
