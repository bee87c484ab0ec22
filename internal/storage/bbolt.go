package storage

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"veche/internal/models"
	"veche/internal/ref"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers      = []byte("users")
	bucketIdentities = []byte("identities")
	bucketCategories = []byte("categories")
	bucketCatRefs    = []byte("category_refs")
	bucketPages      = []byte("pages")
	bucketPageRefs   = []byte("page_refs")
	bucketPosts      = []byte("posts")
	bucketPostRefs   = []byte("post_refs")
	bucketSecrets    = []byte("login_secrets")
	bucketSessions   = []byte("sessions")
	bucketNotfs      = []byte("notfs")
	bucketEmails     = []byte("sent_emails")
	bucketPushSubs   = []byte("push_subs")
	bucketFiles      = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	buckets := [][]byte{
		bucketUsers, bucketIdentities, bucketCategories, bucketCatRefs,
		bucketPages, bucketPageRefs, bucketPosts, bucketPostRefs,
		bucketSecrets, bucketSessions, bucketNotfs, bucketEmails,
		bucketPushSubs, bucketFiles,
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// ----- Users & identity mappings

func userToDB(u models.User) *DBUser {
	return &DBUser{
		ID:                u.ID,
		SsoID:             u.SsoID,
		ExtID:             u.ExtID,
		Username:          u.Username,
		FullName:          u.FullName,
		EmailAddress:      u.PrimaryEmailAddress,
		EmailVerified:     u.IsEmailAddressVerified,
		EmailNotfsEnabled: u.EmailNotfsEnabled,
		IsSystemUser:      u.IsSystemUser,
	}
}

func userFromDB(u DBUser) models.User {
	return models.User{
		ID:                     u.ID,
		SsoID:                  u.SsoID,
		ExtID:                  u.ExtID,
		Username:               u.Username,
		FullName:               u.FullName,
		PrimaryEmailAddress:    u.EmailAddress,
		IsEmailAddressVerified: u.EmailVerified,
		EmailNotfsEnabled:      u.EmailNotfsEnabled,
		IsSystemUser:           u.IsSystemUser,
	}
}

func userRefKey(r ref.Ref) []byte {
	return []byte("user/" + r.Key())
}

func getUserTx(tx *bbolt.Tx, id int64) (models.User, error) {
	data := tx.Bucket(bucketUsers).Get(idKey(id))
	if data == nil {
		return models.User{}, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return models.User{}, err
	}
	return userFromDB(dbUser), nil
}

// FindOrCreateUser resolves the external user to an internal one, creating
// it if no mapping exists yet. Find-then-create runs in a single update
// transaction so two concurrent upserts of the same identity cannot both
// create a user. Resolving later by either ssoid or extid yields the same
// internal id; conflicting existing mappings fail with ErrAmbiguousRef.
func (s *BboltStorage) FindOrCreateUser(ext models.ExternalUser) (models.User, bool, error) {
	var user models.User
	var created bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idents := tx.Bucket(bucketIdentities)

		var bySso, byExt []byte
		if ext.SsoID != "" {
			bySso = idents.Get(userRefKey(ref.SsoID(ext.SsoID)))
		}
		if ext.ExtID != "" {
			byExt = idents.Get(userRefKey(ref.ExtID(ext.ExtID)))
		}
		if bySso != nil && byExt != nil && string(bySso) != string(byExt) {
			return fmt.Errorf("ssoid %q and extid %q: %w",
				ext.SsoID, ext.ExtID, models.ErrAmbiguousRef)
		}

		existing := bySso
		if existing == nil {
			existing = byExt
		}

		users := tx.Bucket(bucketUsers)
		if existing != nil {
			id := int64(binary.BigEndian.Uint64(existing))
			u, err := getUserTx(tx, id)
			if err != nil {
				return err
			}
			// Refresh profile fields and register any id the user was
			// not yet known under.
			u.Username = ext.Username
			u.FullName = ext.FullName
			u.PrimaryEmailAddress = ext.PrimaryEmailAddress
			u.IsEmailAddressVerified = ext.IsEmailAddressVerified
			if u.SsoID == "" {
				u.SsoID = ext.SsoID
			} else if ext.SsoID != "" && ext.SsoID != u.SsoID {
				return fmt.Errorf("user %d is ssoid %q, not %q: %w",
					u.ID, u.SsoID, ext.SsoID, models.ErrAmbiguousRef)
			}
			if u.ExtID == "" {
				u.ExtID = ext.ExtID
			} else if ext.ExtID != "" && ext.ExtID != u.ExtID {
				return fmt.Errorf("user %d is extid %q, not %q: %w",
					u.ID, u.ExtID, ext.ExtID, models.ErrAmbiguousRef)
			}
			user = u
		} else {
			seq, err := users.NextSequence()
			if err != nil {
				return err
			}
			user = models.User{
				ID:                     int64(seq),
				SsoID:                  ext.SsoID,
				ExtID:                  ext.ExtID,
				Username:               ext.Username,
				FullName:               ext.FullName,
				PrimaryEmailAddress:    ext.PrimaryEmailAddress,
				IsEmailAddressVerified: ext.IsEmailAddressVerified,
				EmailNotfsEnabled:      true,
			}
			created = true
		}

		dbUser := userToDB(user)
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := users.Put(dbUser.Key(), data); err != nil {
			return err
		}
		if user.SsoID != "" {
			if err := idents.Put(userRefKey(ref.SsoID(user.SsoID)), idKey(user.ID)); err != nil {
				return err
			}
		}
		if user.ExtID != "" {
			if err := idents.Put(userRefKey(ref.ExtID(user.ExtID)), idKey(user.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	return user, created, err
}

// UserByRef looks up a user by a reference without creating anything.
func (s *BboltStorage) UserByRef(r ref.Ref) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		user, err = userByRefTx(tx, r)
		return err
	})
	return user, err
}

func userByRefTx(tx *bbolt.Tx, r ref.Ref) (models.User, error) {
	if r.Scheme == ref.ByID {
		return getUserTx(tx, r.ID)
	}
	data := tx.Bucket(bucketIdentities).Get(userRefKey(r))
	if data == nil {
		return models.User{}, fmt.Errorf("user ref %s: %w", r, models.ErrNotFound)
	}
	return getUserTx(tx, int64(binary.BigEndian.Uint64(data)))
}

func (s *BboltStorage) GetUser(id int64) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		user, err = getUserTx(tx, id)
		return err
	})
	return user, err
}

// UpdateUser overwrites stored profile fields of an existing user.
func (s *BboltStorage) UpdateUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getUserTx(tx, user.ID); err != nil {
			return err
		}
		dbUser := userToDB(user)
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
}

// ----- Categories

func (s *BboltStorage) FindOrCreateCategory(extID, name string) (models.Category, error) {
	var cat models.Category
	err := s.db.Update(func(tx *bbolt.Tx) error {
		refs := tx.Bucket(bucketCatRefs)
		cats := tx.Bucket(bucketCategories)

		if data := refs.Get([]byte(extID)); data != nil {
			catData := cats.Get(data)
			if catData == nil {
				return fmt.Errorf("category ref %q points nowhere: %w", extID, models.ErrNotFound)
			}
			var dbCat DBCategory
			if err := dbCat.UnmarshalBinary(catData); err != nil {
				return err
			}
			cat = models.Category{ID: dbCat.ID, ExtID: dbCat.ExtID, Name: dbCat.Name}
			return nil
		}

		seq, err := cats.NextSequence()
		if err != nil {
			return err
		}
		dbCat := &DBCategory{ID: int64(seq), ExtID: extID, Name: name}
		data, err := dbCat.MarshalBinary()
		if err != nil {
			return err
		}
		if err := cats.Put(dbCat.Key(), data); err != nil {
			return err
		}
		if err := refs.Put([]byte(extID), dbCat.Key()); err != nil {
			return err
		}
		cat = models.Category{ID: dbCat.ID, ExtID: extID, Name: name}
		return nil
	})
	return cat, err
}

func (s *BboltStorage) CategoryByRef(r ref.Ref) (models.Category, error) {
	var cat models.Category
	err := s.db.View(func(tx *bbolt.Tx) error {
		cats := tx.Bucket(bucketCategories)
		var key []byte
		switch r.Scheme {
		case ref.ByID:
			key = idKey(r.ID)
		case ref.ByExtID:
			key = tx.Bucket(bucketCatRefs).Get([]byte(r.Value))
		default:
			return fmt.Errorf("category ref %s: %w", r, models.ErrNotFound)
		}
		if key == nil {
			return fmt.Errorf("category ref %s: %w", r, models.ErrNotFound)
		}
		data := cats.Get(key)
		if data == nil {
			return fmt.Errorf("category ref %s: %w", r, models.ErrNotFound)
		}
		var dbCat DBCategory
		if err := dbCat.UnmarshalBinary(data); err != nil {
			return err
		}
		cat = models.Category{ID: dbCat.ID, ExtID: dbCat.ExtID, Name: dbCat.Name}
		return nil
	})
	return cat, err
}

// ----- Pages & posts

// PageWrite describes one page of an upsert batch after all its references
// have been resolved to internal ids.
type PageWrite struct {
	ExtID      string
	PageType   models.PageType
	CategoryID int64
	AuthorID   int64
	Title      string
	Slug       string
	Body       string
	MemberIDs  []int64
}

// PostWrite describes one post of an upsert batch. Exactly one of PageID
// and PageExtID is set: PageExtID lets a post target a page created by the
// same batch.
type PostWrite struct {
	ExtID     string
	PageID    int64
	PageExtID string
	PostType  models.PostType
	ParentNr  int
	AuthorID  int64
	Body      string
}

// BatchResult reports what an upsert batch did. Pages holds the post-apply
// state of every page named in the batch, in declaration order; NewPosts
// holds only posts this batch actually created (never re-upserts).
type BatchResult struct {
	Pages    []models.Page
	NewPosts []models.Post
}

func pageToDB(p models.Page) *DBPage {
	return &DBPage{
		ID:            p.ID,
		ExtID:         p.ExtID,
		PageType:      string(p.PageType),
		CategoryID:    p.CategoryID,
		AuthorID:      p.AuthorID,
		Title:         p.Title,
		Slug:          p.Slug,
		MemberIDs:     p.MemberIDs,
		NumPostsTotal: p.NumPostsTotal,
		CreatedAt:     p.CreatedAt,
	}
}

func pageFromDB(p DBPage) models.Page {
	return models.Page{
		ID:            p.ID,
		ExtID:         p.ExtID,
		PageType:      models.PageType(p.PageType),
		CategoryID:    p.CategoryID,
		AuthorID:      p.AuthorID,
		Title:         p.Title,
		Slug:          p.Slug,
		MemberIDs:     p.MemberIDs,
		NumPostsTotal: p.NumPostsTotal,
		CreatedAt:     p.CreatedAt,
	}
}

func postFromDB(p DBPost) models.Post {
	post := models.Post{
		PageID:    p.PageID,
		Nr:        p.Nr,
		ExtID:     p.ExtID,
		PostType:  models.PostType(p.PostType),
		ParentNr:  p.ParentNr,
		AuthorID:  p.AuthorID,
		Body:      p.Body,
		CreatedAt: p.CreatedAt,
	}
	for _, a := range p.Attachments {
		post.Attachments = append(post.Attachments, models.Attachment{
			Type:     models.AttachmentType(a.Type),
			Name:     a.Name,
			MimeType: a.MimeType,
			FileID:   a.FileID,
		})
	}
	return post
}

func getPageTx(tx *bbolt.Tx, id int64) (models.Page, error) {
	data := tx.Bucket(bucketPages).Get(idKey(id))
	if data == nil {
		return models.Page{}, fmt.Errorf("page %d: %w", id, models.ErrPageNotFound)
	}
	var dbPage DBPage
	if err := dbPage.UnmarshalBinary(data); err != nil {
		return models.Page{}, err
	}
	return pageFromDB(dbPage), nil
}

func putPageTx(tx *bbolt.Tx, page models.Page) error {
	dbPage := pageToDB(page)
	data, err := dbPage.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketPages).Put(dbPage.Key(), data)
}

func putPostTx(tx *bbolt.Tx, post models.Post) error {
	chatBucket, err := tx.Bucket(bucketPosts).CreateBucketIfNotExists(idKey(post.PageID))
	if err != nil {
		return fmt.Errorf("failed to create page posts bucket: %w", err)
	}
	dbPost := &DBPost{
		PageID:    post.PageID,
		Nr:        post.Nr,
		ExtID:     post.ExtID,
		PostType:  string(post.PostType),
		ParentNr:  post.ParentNr,
		AuthorID:  post.AuthorID,
		Body:      post.Body,
		CreatedAt: post.CreatedAt,
	}
	for _, a := range post.Attachments {
		dbPost.Attachments = append(dbPost.Attachments, DBAttachment{
			Type:     string(a.Type),
			Name:     a.Name,
			MimeType: a.MimeType,
			FileID:   a.FileID,
		})
	}
	data, err := dbPost.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal post: %w", err)
	}
	return chatBucket.Put(dbPost.Key(), data)
}

// appendPostTx creates the next post on a page and bumps NumPostsTotal.
func appendPostTx(tx *bbolt.Tx, page models.Page, post models.Post) (models.Page, models.Post, error) {
	post.PageID = page.ID
	post.Nr = page.NumPostsTotal
	if err := putPostTx(tx, post); err != nil {
		return page, post, err
	}
	if post.ExtID != "" {
		refVal := fmt.Sprintf("%d/%d", page.ID, post.Nr)
		if err := tx.Bucket(bucketPostRefs).Put([]byte(post.ExtID), []byte(refVal)); err != nil {
			return page, post, err
		}
	}
	page.NumPostsTotal++
	return page, post, putPageTx(tx, page)
}

// ApplyBatch applies a fully resolved upsert batch in one transaction:
// either everything lands or nothing does. Pages are processed before
// posts so a post may reference a page created by the same batch.
func (s *BboltStorage) ApplyBatch(pages []PageWrite, posts []PostWrite, now int64) (BatchResult, error) {
	var result BatchResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		result = BatchResult{}
		pageRefs := tx.Bucket(bucketPageRefs)
		pagesBucket := tx.Bucket(bucketPages)

		pageIDs := make([]int64, 0, len(pages))
		for _, pw := range pages {
			existing := pageRefs.Get([]byte(pw.ExtID))
			if existing != nil {
				id := int64(binary.BigEndian.Uint64(existing))
				page, err := getPageTx(tx, id)
				if err != nil {
					return err
				}
				// Title, body and member list are mutable. The title and
				// body posts are rewritten in place, never duplicated.
				page.Title = pw.Title
				page.Slug = pw.Slug
				page.CategoryID = pw.CategoryID
				page.MemberIDs = pw.MemberIDs
				if err := putPageTx(tx, page); err != nil {
					return err
				}
				for nr, body := range map[int]string{
					models.TitleNr: pw.Title,
					models.BodyNr:  pw.Body,
				} {
					post, err := getPostTx(tx, id, nr)
					if err != nil {
						return err
					}
					if post.Body == body {
						continue
					}
					post.Body = body
					if err := putPostTx(tx, post); err != nil {
						return err
					}
				}
				pageIDs = append(pageIDs, id)
				continue
			}

			seq, err := pagesBucket.NextSequence()
			if err != nil {
				return err
			}
			page := models.Page{
				ID:         int64(seq),
				ExtID:      pw.ExtID,
				PageType:   pw.PageType,
				CategoryID: pw.CategoryID,
				AuthorID:   pw.AuthorID,
				Title:      pw.Title,
				Slug:       pw.Slug,
				MemberIDs:  pw.MemberIDs,
				CreatedAt:  now,
			}
			// The title and body are posts nr 0 and 1.
			page, _, err = appendPostTx(tx, page, models.Post{
				PostType:  models.PostTypeNormal,
				AuthorID:  pw.AuthorID,
				Body:      pw.Title,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			page, bodyPost, err := appendPostTx(tx, page, models.Post{
				PostType:  models.PostTypeNormal,
				ParentNr:  models.TitleNr,
				AuthorID:  pw.AuthorID,
				Body:      pw.Body,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			if err := pageRefs.Put([]byte(pw.ExtID), idKey(page.ID)); err != nil {
				return err
			}
			pageIDs = append(pageIDs, page.ID)
			result.NewPosts = append(result.NewPosts, bodyPost)
		}

		postRefs := tx.Bucket(bucketPostRefs)
		for _, pw := range posts {
			pageID := pw.PageID
			if pageID == 0 {
				data := pageRefs.Get([]byte(pw.PageExtID))
				if data == nil {
					return fmt.Errorf("post %q references page %q: %w",
						pw.ExtID, pw.PageExtID, models.ErrPageNotFound)
				}
				pageID = int64(binary.BigEndian.Uint64(data))
			}

			if postRefs.Get([]byte(pw.ExtID)) != nil {
				// Already upserted, content is immutable.
				continue
			}

			page, err := getPageTx(tx, pageID)
			if err != nil {
				return err
			}
			_, post, err := appendPostTx(tx, page, models.Post{
				ExtID:     pw.ExtID,
				PostType:  pw.PostType,
				ParentNr:  pw.ParentNr,
				AuthorID:  pw.AuthorID,
				Body:      pw.Body,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			result.NewPosts = append(result.NewPosts, post)
		}

		for _, id := range pageIDs {
			page, err := getPageTx(tx, id)
			if err != nil {
				return err
			}
			result.Pages = append(result.Pages, page)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

// AppendChatMessage adds one chat message posted through the app itself
// (not the upsert API, so no external id).
func (s *BboltStorage) AppendChatMessage(pageID, authorID int64, body string, attachments []models.Attachment, now int64) (models.Post, error) {
	var created models.Post
	err := s.db.Update(func(tx *bbolt.Tx) error {
		page, err := getPageTx(tx, pageID)
		if err != nil {
			return err
		}
		_, created, err = appendPostTx(tx, page, models.Post{
			PostType:    models.PostTypeChatMessage,
			ParentNr:    models.BodyNr,
			AuthorID:    authorID,
			Body:        body,
			CreatedAt:   now,
			Attachments: attachments,
		})
		return err
	})
	return created, err
}

func (s *BboltStorage) GetPage(id int64) (models.Page, error) {
	var page models.Page
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		page, err = getPageTx(tx, id)
		return err
	})
	return page, err
}

func (s *BboltStorage) PageByRef(r ref.Ref) (models.Page, error) {
	var page models.Page
	err := s.db.View(func(tx *bbolt.Tx) error {
		var id int64
		switch r.Scheme {
		case ref.ByID:
			id = r.ID
		case ref.ByExtID:
			data := tx.Bucket(bucketPageRefs).Get([]byte(r.Value))
			if data == nil {
				return fmt.Errorf("page ref %s: %w", r, models.ErrPageNotFound)
			}
			id = int64(binary.BigEndian.Uint64(data))
		default:
			return fmt.Errorf("page ref %s: %w", r, models.ErrPageNotFound)
		}
		var err error
		page, err = getPageTx(tx, id)
		return err
	})
	return page, err
}

// PostByExtID finds an upserted post by its external id.
func (s *BboltStorage) PostByExtID(extID string) (models.Post, error) {
	var post models.Post
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPostRefs).Get([]byte(extID))
		if data == nil {
			return fmt.Errorf("post %q: %w", extID, models.ErrNotFound)
		}
		pageStr, nrStr, _ := strings.Cut(string(data), "/")
		pageID, err := strconv.ParseInt(pageStr, 10, 64)
		if err != nil {
			return err
		}
		nr, err := strconv.Atoi(nrStr)
		if err != nil {
			return err
		}
		post, err = getPostTx(tx, pageID, nr)
		return err
	})
	return post, err
}

func getPostTx(tx *bbolt.Tx, pageID int64, nr int) (models.Post, error) {
	pageBucket := tx.Bucket(bucketPosts).Bucket(idKey(pageID))
	if pageBucket == nil {
		return models.Post{}, fmt.Errorf("post %d on page %d: %w", nr, pageID, models.ErrNotFound)
	}
	data := pageBucket.Get(idKey(int64(nr)))
	if data == nil {
		return models.Post{}, fmt.Errorf("post %d on page %d: %w", nr, pageID, models.ErrNotFound)
	}
	var dbPost DBPost
	if err := dbPost.UnmarshalBinary(data); err != nil {
		return models.Post{}, err
	}
	return postFromDB(dbPost), nil
}

func (s *BboltStorage) GetPost(pageID int64, nr int) (models.Post, error) {
	var post models.Post
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		post, err = getPostTx(tx, pageID, nr)
		return err
	})
	return post, err
}

// ListPosts returns all posts of a page in nr order.
func (s *BboltStorage) ListPosts(pageID int64) ([]models.Post, error) {
	var posts []models.Post
	err := s.db.View(func(tx *bbolt.Tx) error {
		pageBucket := tx.Bucket(bucketPosts).Bucket(idKey(pageID))
		if pageBucket == nil {
			return nil
		}
		return pageBucket.ForEach(func(k, v []byte) error {
			var dbPost DBPost
			if err := dbPost.UnmarshalBinary(v); err != nil {
				return err
			}
			posts = append(posts, postFromDB(dbPost))
			return nil
		})
	})
	return posts, err
}
