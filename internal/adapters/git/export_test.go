package git

import "context"

// SetBeforeIntegrate installs a hook that runs right before trunk moves.
func SetBeforeIntegrate(i *Isolation, fn func(itemID string)) {
	i.beforeIntegrate = fn
}

// DeleteItemBranch exposes the guarded branch deletion.
func DeleteItemBranch(ctx context.Context, i *Isolation, name string) error {
	return i.deleteBranch(ctx, name)
}

var (
	ParseWorktreeList = parseWorktreeList
	ParseStatusZ      = parseStatusZ
)
