package vcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCommitHead(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	_, err := r.Head(ctx)
	assert.ErrorIs(t, err, ErrNoCommits)

	c1, err := r.Commit(ctx, "add design matrix", "worker-1")
	require.NoError(t, err)
	c2, err := r.Commit(ctx, "expand plan", "worker-1")
	require.NoError(t, err)
	assert.NotEqual(t, c1.Hash, c2.Hash)

	head, err := r.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, c2.Hash, head.Hash)
	assert.Equal(t, "main", head.Branch)
}

func TestRecorderTag(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	assert.ErrorIs(t, r.Tag(ctx, "v1"), ErrNoCommits)

	c, err := r.Commit(ctx, "initial", "gw")
	require.NoError(t, err)
	require.NoError(t, r.Tag(ctx, "v1"))

	hash, ok := r.TagHash("v1")
	require.True(t, ok)
	assert.Equal(t, c.Hash, hash)
}

func TestRecorderBranching(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	base, err := r.Commit(ctx, "base", "gw")
	require.NoError(t, err)

	require.NoError(t, r.CreateBranch(ctx, "experiment"))
	assert.Error(t, r.CreateBranch(ctx, "experiment"))

	require.NoError(t, r.Checkout(ctx, "experiment"))
	_, err = r.Commit(ctx, "variant", "gw")
	require.NoError(t, err)

	// main is untouched by the branch commit.
	require.NoError(t, r.Checkout(ctx, "main"))
	head, err := r.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, base.Hash, head.Hash)

	assert.Error(t, r.Checkout(ctx, "missing"))
}

func TestRecorderPushAndOps(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	_, err := r.Commit(ctx, "initial", "gw")
	require.NoError(t, err)
	require.NoError(t, r.Push(ctx, "main"))
	assert.Error(t, r.Push(ctx, "missing"))

	ops := r.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "commit main initial", ops[0])
	assert.Equal(t, "push main", ops[1])
}
