// Package upsert implements the batch create-or-update API for pages and
// posts keyed by external ids.
package upsert

import (
	"fmt"
	"strconv"
	"time"

	"veche/internal/content"
	"veche/internal/identity"
	"veche/internal/models"
	"veche/internal/notify"
	"veche/internal/ref"
	"veche/internal/storage"
)

type Options struct {
	SendNotifications bool `json:"sendNotifications"`
}

type PageUpsert struct {
	ExtID          string          `json:"extId"`
	PageType       models.PageType `json:"pageType"`
	CategoryRef    string          `json:"categoryRef"`
	AuthorRef      string          `json:"authorRef"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	PageMemberRefs []string        `json:"pageMemberRefs"`
}

type PostUpsert struct {
	ExtID     string          `json:"extId"`
	PostType  models.PostType `json:"postType"`
	ParentNr  int             `json:"parentNr"`
	PageRef   string          `json:"pageRef"`
	AuthorRef string          `json:"authorRef"`
	Body      string          `json:"body"`
}

type Request struct {
	UpsertOptions Options      `json:"upsertOptions"`
	Pages         []PageUpsert `json:"pages"`
	Posts         []PostUpsert `json:"posts"`
}

type URLPaths struct {
	Canonical string `json:"canonical"`
}

type PageResult struct {
	ID            string          `json:"id"`
	ExtID         string          `json:"extId"`
	PageType      models.PageType `json:"pageType"`
	CategoryID    int64           `json:"categoryId"`
	AuthorID      int64           `json:"authorId"`
	Title         string          `json:"title"`
	URLPaths      URLPaths        `json:"urlPaths"`
	NumPostsTotal int             `json:"numPostsTotal"`
}

type Response struct {
	Pages []PageResult `json:"pages"`
}

type Config struct {
	// NotifyOnPageEdit re-sends the page notification when a page is
	// re-upserted without any new post. Off by default: metadata edits
	// are silent.
	NotifyOnPageEdit bool
}

type Engine struct {
	Config
	store      *storage.BboltStorage
	resolver   *identity.Resolver
	dispatcher *notify.Dispatcher
	now        func() time.Time
}

func NewEngine(config Config, store *storage.BboltStorage, resolver *identity.Resolver, dispatcher *notify.Dispatcher) *Engine {
	return &Engine{
		Config:     config,
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// Batch validates and applies one upsert request. All references are
// resolved before anything is written, and the writes land in a single
// storage transaction: a failing batch changes nothing.
func (e *Engine) Batch(req Request) (Response, error) {
	pageWrites, postWrites, err := e.resolve(req)
	if err != nil {
		return Response{}, err
	}

	result, err := e.store.ApplyBatch(pageWrites, postWrites, e.now().Unix())
	if err != nil {
		return Response{}, err
	}

	if req.UpsertOptions.SendNotifications {
		e.enqueueNotfs(result, req)
	}

	resp := Response{Pages: make([]PageResult, 0, len(result.Pages))}
	for _, page := range result.Pages {
		resp.Pages = append(resp.Pages, PageResult{
			ID:            strconv.FormatInt(page.ID, 10),
			ExtID:         page.ExtID,
			PageType:      page.PageType,
			CategoryID:    page.CategoryID,
			AuthorID:      page.AuthorID,
			Title:         page.Title,
			URLPaths:      URLPaths{Canonical: page.CanonicalPath()},
			NumPostsTotal: page.NumPostsTotal,
		})
	}
	return resp, nil
}

func (e *Engine) resolve(req Request) ([]storage.PageWrite, []storage.PostWrite, error) {
	batchPageExtIDs := make(map[string]bool, len(req.Pages))

	pageWrites := make([]storage.PageWrite, 0, len(req.Pages))
	for i, pu := range req.Pages {
		if pu.ExtID == "" {
			return nil, nil, fmt.Errorf("pages[%d]: missing extId", i)
		}
		if pu.Title == "" {
			return nil, nil, fmt.Errorf("page %q: missing title", pu.ExtID)
		}
		switch pu.PageType {
		case models.PageTypePrivateChat, models.PageTypeDiscussion:
		default:
			return nil, nil, fmt.Errorf("page %q: unknown pageType %q", pu.ExtID, pu.PageType)
		}

		author, err := e.resolveUser(pu.AuthorRef)
		if err != nil {
			return nil, nil, fmt.Errorf("page %q author: %w", pu.ExtID, err)
		}

		catRef, err := ref.Parse(pu.CategoryRef)
		if err != nil {
			return nil, nil, fmt.Errorf("page %q category: %w", pu.ExtID, err)
		}
		cat, err := e.resolver.Category(catRef)
		if err != nil {
			return nil, nil, fmt.Errorf("page %q category: %w", pu.ExtID, err)
		}

		memberIDs := make([]int64, 0, len(pu.PageMemberRefs))
		seen := make(map[int64]bool)
		for _, memberRef := range pu.PageMemberRefs {
			member, err := e.resolveUser(memberRef)
			if err != nil {
				return nil, nil, fmt.Errorf("page %q member %q: %w", pu.ExtID, memberRef, err)
			}
			if !seen[member.ID] {
				seen[member.ID] = true
				memberIDs = append(memberIDs, member.ID)
			}
		}

		batchPageExtIDs[pu.ExtID] = true
		pageWrites = append(pageWrites, storage.PageWrite{
			ExtID:      pu.ExtID,
			PageType:   pu.PageType,
			CategoryID: cat.ID,
			AuthorID:   author.ID,
			Title:      pu.Title,
			Slug:       content.Slugify(pu.Title),
			Body:       pu.Body,
			MemberIDs:  memberIDs,
		})
	}

	postWrites := make([]storage.PostWrite, 0, len(req.Posts))
	for i, pu := range req.Posts {
		if pu.ExtID == "" {
			return nil, nil, fmt.Errorf("posts[%d]: missing extId", i)
		}
		author, err := e.resolveUser(pu.AuthorRef)
		if err != nil {
			return nil, nil, fmt.Errorf("post %q author: %w", pu.ExtID, err)
		}

		pageRef, err := ref.Parse(pu.PageRef)
		if err != nil {
			return nil, nil, fmt.Errorf("post %q page: %w", pu.ExtID, err)
		}

		write := storage.PostWrite{
			ExtID:    pu.ExtID,
			PostType: pu.PostType,
			ParentNr: pu.ParentNr,
			AuthorID: author.ID,
			Body:     pu.Body,
		}
		switch pageRef.Scheme {
		case ref.ByID:
			write.PageID = pageRef.ID
		case ref.ByExtID:
			// Pages from this same batch resolve inside the transaction,
			// after they have been created.
			write.PageExtID = pageRef.Value
			if !batchPageExtIDs[pageRef.Value] {
				if _, err := e.resolver.Page(pageRef); err != nil {
					return nil, nil, fmt.Errorf("post %q: %w", pu.ExtID, err)
				}
			}
		default:
			return nil, nil, fmt.Errorf("post %q page ref %s: %w",
				pu.ExtID, pageRef, models.ErrPageNotFound)
		}
		postWrites = append(postWrites, write)
	}

	return pageWrites, postWrites, nil
}

func (e *Engine) resolveUser(refStr string) (models.User, error) {
	r, err := ref.Parse(refStr)
	if err != nil {
		return models.User{}, err
	}
	return e.resolver.User(r)
}

// enqueueNotfs turns the batch result into notification events. Multiple
// posts created on the same page by one batch collapse into a single event
// per page, triggered by the lowest-nr new post: a batch that creates a
// private chat together with its first message sends one email, about the
// page, not two.
func (e *Engine) enqueueNotfs(result storage.BatchResult, req Request) {
	triggering := make(map[int64]models.Post)
	for _, post := range result.NewPosts {
		cur, ok := triggering[post.PageID]
		if !ok || post.Nr < cur.Nr {
			triggering[post.PageID] = post
		}
	}

	if e.NotifyOnPageEdit {
		// Re-upserted pages without new posts re-send the page
		// notification.
		for _, page := range result.Pages {
			if _, ok := triggering[page.ID]; ok {
				continue
			}
			bodyPost, err := e.store.GetPost(page.ID, models.BodyNr)
			if err != nil {
				continue
			}
			e.enqueueOne(page.ID, bodyPost, true)
		}
	}

	for pageID, post := range triggering {
		e.enqueueOne(pageID, post, false)
	}
}

func (e *Engine) enqueueOne(pageID int64, post models.Post, force bool) {
	page, err := e.store.GetPage(pageID)
	if err != nil {
		return
	}
	author, err := e.store.GetUser(post.AuthorID)
	if err != nil {
		return
	}
	e.dispatcher.Enqueue(notify.Event{
		Page:   page,
		Post:   post,
		Author: author,
		Force:  force,
	})
}
