package identity

import (
	"os"
	"path/filepath"
	"testing"

	"veche/internal/models"
	"veche/internal/ref"
	"veche/internal/storage"

	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, *storage.BboltStorage) {
	tmpDir, err := os.MkdirTemp("", "identity_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewResolver(store), store
}

func TestUpsertUser(t *testing.T) {
	r, _ := newTestResolver(t)

	user, err := r.UpsertUser(models.ExternalUser{
		SsoID:               "charlie sso id",
		ExtID:               "charlie ext id",
		Username:            "charlie",
		PrimaryEmailAddress: "charlie@x.co",
	})
	require.NoError(t, err)
	require.NotZero(t, user.ID)

	bySso, err := r.User(ref.SsoID("charlie sso id"))
	require.NoError(t, err)
	byExt, err := r.User(ref.ExtID("charlie ext id"))
	require.NoError(t, err)
	byID, err := r.User(ref.ID(user.ID))
	require.NoError(t, err)
	require.Equal(t, user.ID, bySso.ID)
	require.Equal(t, user.ID, byExt.ID)
	require.Equal(t, user.ID, byID.ID)

	// User lookups never create.
	_, err = r.User(ref.SsoID("stranger"))
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = r.UpsertUser(models.ExternalUser{SsoID: "x", Username: ""})
	require.Error(t, err, "username is required")
	_, err = r.UpsertUser(models.ExternalUser{Username: "noids"})
	require.Error(t, err, "at least one external id is required")
	_, err = r.UpsertUser(models.ExternalUser{SsoID: "x", Username: "bad name"})
	require.Error(t, err, "usernames with spaces are rejected")
}

func TestCategory(t *testing.T) {
	r, _ := newTestResolver(t)

	// An unknown extid creates the category, named after the id.
	cat, err := r.Category(ref.ExtID("announcements"))
	require.NoError(t, err)
	require.Equal(t, "announcements", cat.Name)

	again, err := r.Category(ref.ExtID("announcements"))
	require.NoError(t, err)
	require.Equal(t, cat.ID, again.ID)

	byID, err := r.Category(ref.ID(cat.ID))
	require.NoError(t, err)
	require.Equal(t, cat.ExtID, byID.ExtID)

	// Numeric refs look up only.
	_, err = r.Category(ref.ID(999))
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = r.Category(ref.SsoID("nope"))
	require.Error(t, err)
}
