package api

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"veche/internal/content"
)

var pagePathRe = regexp.MustCompile(`^/-(\d+)(?:/.*)?$`)

// PageServeHandler serves the canonical page URLs that notification emails
// link to, e.g. "/-1/chatpageone-title#post-2". Mounted at "/" because the
// page id lives inside the first path segment.
func (a *API) PageServeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<!DOCTYPE html><html><body><h1>Veche</h1></body></html>")
		return
	}

	m := pagePathRe.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.NotFound(w, r)
		return
	}
	pageID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	// Strangers and non-members get the same 404 a nonexistent page
	// would give.
	page, err := a.loadPageChecked(r, pageID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	posts, err := a.store.ListPosts(page.ID)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><title>")
	b.WriteString(content.Escape(page.Title))
	b.WriteString("</title></head><body>\n<h1>")
	b.WriteString(content.Escape(page.Title))
	b.WriteString("</h1>\n")
	for _, post := range posts {
		html, err := content.RenderMarkdown(post.Body)
		if err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		author := ""
		if u, err := a.store.GetUser(post.AuthorID); err == nil {
			author = u.Username
		}
		fmt.Fprintf(&b, "<div class=\"post\" id=\"post-%d\"><span class=\"author\">%s</span>%s</div>\n",
			post.Nr, content.Escape(author), html)
	}
	b.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}
