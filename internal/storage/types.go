package storage

import (
	"encoding"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

type DBUser struct {
	ID                int64  `msgpack:"id"`
	SsoID             string `msgpack:"ssoId"`
	ExtID             string `msgpack:"extId"`
	Username          string `msgpack:"username"`
	FullName          string `msgpack:"fullName"`
	EmailAddress      string `msgpack:"emailAddress"`
	EmailVerified     bool   `msgpack:"emailVerified"`
	EmailNotfsEnabled bool   `msgpack:"emailNotfsEnabled"`
	IsSystemUser      bool   `msgpack:"isSystemUser"`
}

func (u *DBUser) Key() []byte {
	return idKey(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBCategory struct {
	ID    int64  `msgpack:"id"`
	ExtID string `msgpack:"extId"`
	Name  string `msgpack:"name"`
}

func (c *DBCategory) Key() []byte {
	return idKey(c.ID)
}

func (c *DBCategory) MarshalBinary() (data []byte, err error) {
	type alias DBCategory
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCategory) UnmarshalBinary(data []byte) error {
	type alias DBCategory
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBPage struct {
	ID            int64   `msgpack:"id"`
	ExtID         string  `msgpack:"extId"`
	PageType      string  `msgpack:"pageType"`
	CategoryID    int64   `msgpack:"categoryId"`
	AuthorID      int64   `msgpack:"authorId"`
	Title         string  `msgpack:"title"`
	Slug          string  `msgpack:"slug"`
	MemberIDs     []int64 `msgpack:"memberIds"`
	NumPostsTotal int     `msgpack:"numPostsTotal"`
	CreatedAt     int64   `msgpack:"createdAt"`
}

func (p *DBPage) Key() []byte {
	return idKey(p.ID)
}

func (p *DBPage) MarshalBinary() (data []byte, err error) {
	type alias DBPage
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPage) UnmarshalBinary(data []byte) error {
	type alias DBPage
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBPost struct {
	PageID      int64          `msgpack:"pageId"`
	Nr          int            `msgpack:"nr"`
	ExtID       string         `msgpack:"extId"`
	PostType    string         `msgpack:"postType"`
	ParentNr    int            `msgpack:"parentNr"`
	AuthorID    int64          `msgpack:"authorId"`
	Body        string         `msgpack:"body"`
	CreatedAt   int64          `msgpack:"createdAt"`
	Attachments []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
}

func (p *DBPost) Key() []byte {
	return idKey(int64(p.Nr))
}

func (p *DBPost) MarshalBinary() (data []byte, err error) {
	type alias DBPost
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPost) UnmarshalBinary(data []byte) error {
	type alias DBPost
	return msgpack.Unmarshal(data, (*alias)(p))
}

// DBLoginSecret is a one-time login secret. UsedAt == 0 means still
// redeemable (within the expiry window).
type DBLoginSecret struct {
	Secret    string `msgpack:"secret"`
	UserID    int64  `msgpack:"userId"`
	CreatedAt int64  `msgpack:"createdAt"`
	UsedAt    int64  `msgpack:"usedAt"`
}

func (s *DBLoginSecret) Key() []byte {
	return []byte(s.Secret)
}

func (s *DBLoginSecret) MarshalBinary() (data []byte, err error) {
	type alias DBLoginSecret
	return msgpack.Marshal((*alias)(s))
}

func (s *DBLoginSecret) UnmarshalBinary(data []byte) error {
	type alias DBLoginSecret
	return msgpack.Unmarshal(data, (*alias)(s))
}

// DBSession is keyed by the hash of the session token, never the raw token.
type DBSession struct {
	TokenHash string `msgpack:"tokenHash"`
	UserID    int64  `msgpack:"userId"`
	ExpiresAt int64  `msgpack:"expiresAt"`
}

func (s *DBSession) Key() []byte {
	return []byte(s.TokenHash)
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

// DBNotf records the dispatch outcome for one (post, recipient) pair.
// Its presence alone means the pair is claimed and must not be re-notified.
type DBNotf struct {
	PageID    int64  `msgpack:"pageId"`
	PostNr    int    `msgpack:"postNr"`
	UserID    int64  `msgpack:"userId"`
	Status    string `msgpack:"status"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

func (n *DBNotf) Key() []byte {
	return []byte(fmt.Sprintf("%d/%d/%d", n.PageID, n.PostNr, n.UserID))
}

func (n *DBNotf) MarshalBinary() (data []byte, err error) {
	type alias DBNotf
	return msgpack.Marshal((*alias)(n))
}

func (n *DBNotf) UnmarshalBinary(data []byte) error {
	type alias DBNotf
	return msgpack.Unmarshal(data, (*alias)(n))
}

type DBSentEmail struct {
	ID       string `msgpack:"id"`
	To       string `msgpack:"to"`
	Subject  string `msgpack:"subject"`
	BodyHTML string `msgpack:"bodyHtml"`
	SentAt   int64  `msgpack:"sentAt"`
}

func (e *DBSentEmail) MarshalBinary() (data []byte, err error) {
	type alias DBSentEmail
	return msgpack.Marshal((*alias)(e))
}

func (e *DBSentEmail) UnmarshalBinary(data []byte) error {
	type alias DBSentEmail
	return msgpack.Unmarshal(data, (*alias)(e))
}

// DBPushSub is one web push subscription, keyed by user id + endpoint so a
// browser re-subscribing overwrites itself.
type DBPushSub struct {
	UserID   int64  `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (p *DBPushSub) Key() []byte {
	return []byte(fmt.Sprintf("%d/%s", p.UserID, p.Endpoint))
}

func (p *DBPushSub) MarshalBinary() (data []byte, err error) {
	type alias DBPushSub
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSub) UnmarshalBinary(data []byte) error {
	type alias DBPushSub
	return msgpack.Unmarshal(data, (*alias)(p))
}
