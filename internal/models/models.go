package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrPageNotFound      = errors.New("page not found")
	ErrAmbiguousRef      = errors.New("reference maps to conflicting entities")
	ErrSecretAlreadyUsed = errors.New("login secret already used")
	ErrSecretExpired     = errors.New("login secret expired")
	ErrPermissionDenied  = errors.New("permission denied")
)

// Post nrs within a page. The title and body are posts too, so the first
// reply or chat message gets nr 2.
const (
	TitleNr      = 0
	BodyNr       = 1
	FirstReplyNr = 2
)

type PageType string

const (
	PageTypeDiscussion  PageType = "Discussion"
	PageTypePrivateChat PageType = "PrivateChat"
)

type PostType string

const (
	PostTypeNormal      PostType = "Normal"
	PostTypeChatMessage PostType = "ChatMessage"
)

// User is a forum member. Users created through the SSO/upsert API carry the
// external ids they were created under; either id resolves to the same user.
type User struct {
	ID                     int64  `json:"id"`
	SsoID                  string `json:"ssoId,omitempty"`
	ExtID                  string `json:"extId,omitempty"`
	Username               string `json:"username"`
	FullName               string `json:"fullName"`
	PrimaryEmailAddress    string `json:"primaryEmailAddress,omitempty"`
	IsEmailAddressVerified bool   `json:"isEmailAddressVerified"`
	EmailNotfsEnabled      bool   `json:"emailNotfsEnabled"`
	IsSystemUser           bool   `json:"isSystemUser,omitempty"`
}

// ExternalUser is the identity provider's view of a user, as sent in
// upsert-user API requests. At least one of SsoID / ExtID must be set.
type ExternalUser struct {
	SsoID                  string `json:"ssoId,omitempty"`
	ExtID                  string `json:"extId,omitempty"`
	Username               string `json:"username"`
	FullName               string `json:"fullName"`
	PrimaryEmailAddress    string `json:"primaryEmailAddress"`
	IsEmailAddressVerified bool   `json:"isEmailAddressVerified"`
}

func (eu ExternalUser) Validate() error {
	if eu.SsoID == "" && eu.ExtID == "" {
		return errors.New("externalUser needs ssoId or extId")
	}
	if eu.Username == "" {
		return errors.New("externalUser needs a username")
	}
	return nil
}

type Category struct {
	ID    int64  `json:"id"`
	ExtID string `json:"extId,omitempty"`
	Name  string `json:"name"`
}

type Page struct {
	ID            int64    `json:"id"`
	ExtID         string   `json:"extId,omitempty"`
	PageType      PageType `json:"pageType"`
	CategoryID    int64    `json:"categoryId"`
	AuthorID      int64    `json:"authorId"`
	Title         string   `json:"title"`
	Slug          string   `json:"slug"`
	MemberIDs     []int64  `json:"memberIds,omitempty"`
	NumPostsTotal int      `json:"numPostsTotal"`
	CreatedAt     int64    `json:"createdAt"` // Unix timestamp (seconds)
}

// CanonicalPath is the page's canonical URL path, e.g. "/-3/weekly-sync".
func (p Page) CanonicalPath() string {
	return fmt.Sprintf("/-%d/%s", p.ID, p.Slug)
}

func (p Page) IsMember(userID int64) bool {
	for _, id := range p.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type Post struct {
	PageID      int64        `json:"pageId"`
	Nr          int          `json:"nr"`
	ExtID       string       `json:"extId,omitempty"`
	PostType    PostType     `json:"postType"`
	ParentNr    int          `json:"parentNr"`
	AuthorID    int64        `json:"authorId"`
	Body        string       `json:"body"`
	CreatedAt   int64        `json:"createdAt"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
	FileID   string         `json:"fileId"`
}

// NotfStatus is the terminal dispatch state of one (post, recipient) pair.
type NotfStatus string

const (
	NotfPending    NotfStatus = "pending"
	NotfSent       NotfStatus = "sent"
	NotfSuppressed NotfStatus = "suppressed"
)

// SentEmail is the record kept for every outgoing notification email, so
// operators (and tests) can inspect what was actually sent.
type SentEmail struct {
	ID       string `json:"id"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"bodyHtmlText"`
	SentAt   int64  `json:"sentAt"`
}
