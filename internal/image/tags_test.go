package image

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestTagSetResolve(t *testing.T) {
	tags, err := NewTagStore(t.TempDir())
	require.NoError(t, err)

	target := digest.FromString("image-one")

	normalized, err := tags.Set("app", target)
	require.NoError(t, err)
	require.Equal(t, "docker.io/library/app:latest", normalized)

	got, err := tags.Resolve("app")
	require.NoError(t, err)
	require.Equal(t, target, got)

	// The normalized form resolves to the same target.
	got, err = tags.Resolve("docker.io/library/app:latest")
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestTagLastWriteWins(t *testing.T) {
	tags, err := NewTagStore(t.TempDir())
	require.NoError(t, err)

	first := digest.FromString("first")
	second := digest.FromString("second")

	_, err = tags.Set("app:v1", first)
	require.NoError(t, err)
	_, err = tags.Set("app:v1", second)
	require.NoError(t, err)

	got, err := tags.Resolve("app:v1")
	require.NoError(t, err)
	require.Equal(t, second, got)
}

func TestTagResolveNotFound(t *testing.T) {
	tags, err := NewTagStore(t.TempDir())
	require.NoError(t, err)

	_, err = tags.Resolve("ghost")
	require.True(t, errdefs.IsNotFound(err))
}

func TestTagInvalidName(t *testing.T) {
	tags, err := NewTagStore(t.TempDir())
	require.NoError(t, err)

	_, err = tags.Set("UPPER CASE IS INVALID", digest.FromString("x"))
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestTagRemoveAndList(t *testing.T) {
	tags, err := NewTagStore(t.TempDir())
	require.NoError(t, err)

	target := digest.FromString("img")
	_, err = tags.Set("app:v1", target)
	require.NoError(t, err)
	_, err = tags.Set("app:v2", target)
	require.NoError(t, err)

	all, err := tags.List()
	require.NoError(t, err)
	require.Len(t, all, 2)

	names, err := tags.TagsFor(target)
	require.NoError(t, err)
	require.Len(t, names, 2)

	require.NoError(t, tags.Remove("app:v1"))
	require.NoError(t, tags.Remove("app:v1")) // absent tag is fine

	all, err = tags.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
}
