package workspace

import (
	"context"

	"github.com/arittr/chopstack/internal/plan"
)

// WithWorkspace acquires a workspace for task, invokes fn with its context,
// and releases the workspace on every exit path — including a panic
// propagating out of fn, in which case the panic is re-raised only after
// the release has run. keepBranch controls whether the branch survives the
// release; it is typically true once the task has completed successfully
// and the branch is needed for stack assembly.
func WithWorkspace(ctx context.Context, m *Manager, task plan.Task, baseRef string, keepBranch bool, fn func(Context) error) (err error) {
	wc, acqErr := m.Acquire(ctx, task, baseRef)
	if acqErr != nil {
		return acqErr
	}

	defer func() {
		releaseErr := m.Release(context.WithoutCancel(ctx), task.ID, keepBranch)
		if r := recover(); r != nil {
			panic(r)
		}
		if err == nil {
			err = releaseErr
		}
	}()

	return fn(wc)
}
