// Package identity resolves external references (ssoid:, extid:, id:) to
// internal records, creating them where the upsert path allows it.
package identity

import (
	"errors"
	"fmt"
	"log/slog"

	"veche/internal/content"
	"veche/internal/models"
	"veche/internal/ref"
	"veche/internal/storage"
)

type Resolver struct {
	store *storage.BboltStorage
}

func NewResolver(store *storage.BboltStorage) *Resolver {
	return &Resolver{store: store}
}

// User resolves a reference to an existing user. Nothing is created.
func (r *Resolver) User(userRef ref.Ref) (models.User, error) {
	return r.store.UserByRef(userRef)
}

// UpsertUser resolves the external user to an internal one, creating it on
// first sight. Resolving again by either of its external ids returns the
// same user.
func (r *Resolver) UpsertUser(ext models.ExternalUser) (models.User, error) {
	if err := ext.Validate(); err != nil {
		return models.User{}, err
	}
	if err := content.ValidateUsername(ext.Username); err != nil {
		return models.User{}, err
	}
	user, created, err := r.store.FindOrCreateUser(ext)
	if err != nil {
		return models.User{}, err
	}
	if created {
		slog.Info("created user from external identity",
			"user_id", user.ID, "username", user.Username,
			"sso_id", user.SsoID, "ext_id", user.ExtID)
	}
	return user, nil
}

// Page resolves a reference to an existing page.
func (r *Resolver) Page(pageRef ref.Ref) (models.Page, error) {
	return r.store.PageByRef(pageRef)
}

// Category resolves a category reference, creating the category when an
// extid ref names one never seen before (the upsert path permits creation;
// the category keeps its external id as name until renamed).
func (r *Resolver) Category(catRef ref.Ref) (models.Category, error) {
	switch catRef.Scheme {
	case ref.ByExtID:
		cat, err := r.store.CategoryByRef(catRef)
		if errors.Is(err, models.ErrNotFound) {
			return r.store.FindOrCreateCategory(catRef.Value, catRef.Value)
		}
		return cat, err
	case ref.ByID:
		return r.store.CategoryByRef(catRef)
	default:
		return models.Category{}, fmt.Errorf("category ref %s: ssoid refs name users only", catRef)
	}
}
