package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testAPISecret     = "integration-api-secret"
	testAdminPassword = "integration-admin-pass"
)

func TestIntegration(t *testing.T) {
	// Setup temporary DB and ports
	dbFile := "integration_test.db"
	_ = os.Remove(dbFile) // cleanup before
	defer func() { _ = os.Remove(dbFile) }()

	adminAddr := "127.0.0.1:8897"
	apiAddr := ":8896"
	baseURL := "http://localhost" + apiAddr

	uploadsDir, err := os.MkdirTemp("", "veche_uploads")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(uploadsDir) }()

	for k, v := range map[string]string{
		"VECHE_DB":       dbFile,
		"ADMIN_ADDR":     adminAddr,
		"API_ADDR":       apiAddr,
		"BASE_URL":       baseURL,
		"UPLOADS_PATH":   uploadsDir,
		"API_SECRET":     testAPISecret,
		"ADMIN_PASSWORD": testAdminPassword,
		"SESSION_EXPIRY": "30m",
	} {
		t.Setenv(k, v)
	}

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/emails", adminAddr), 20)

	client := &http.Client{}
	noRedirectClient := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Step 1: The external system upserts both users and gets login
	// secrets for them.
	charlieSecret, charlieID := upsertUserViaAPI(t, client, baseURL, map[string]any{
		"ssoId":                  "charlie sso id",
		"username":               "charlie",
		"fullName":               "Charlie Chaplin",
		"primaryEmailAddress":    "charlie@x.co",
		"isEmailAddressVerified": true,
	})
	chumaSecret, chumaID := upsertUserViaAPI(t, client, baseURL, map[string]any{
		"ssoId":                  "chuma sso id",
		"extId":                  "chuma ext id",
		"username":               "chuma",
		"primaryEmailAddress":    "chuma@x.co",
		"isEmailAddressVerified": true,
	})
	require.NotEqual(t, charlieID, chumaID)
	require.NotEmpty(t, chumaSecret)

	// Upserting the same identity again returns the same user with a
	// fresh secret.
	secret2, sameID := upsertUserViaAPI(t, client, baseURL, map[string]any{
		"ssoId":    "charlie sso id",
		"username": "charlie",
	})
	require.Equal(t, charlieID, sameID)
	require.NotEqual(t, charlieSecret, secret2)

	// Wrong API secret is rejected.
	resp := postJSONRaw(t, client, baseURL+"/-/v0/sso-upsert-user-generate-login-secret",
		map[string]any{
			"apiRequesterId": 1,
			"apiSecret":      "wrong",
			"externalUser":   map[string]any{"ssoId": "x", "username": "x"},
		})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// Step 2: Upsert a private chat page together with its first message.
	upsertReq := map[string]any{
		"apiRequesterId": 1,
		"apiSecret":      testAPISecret,
		"upsertOptions":  map[string]any{"sendNotifications": true},
		"pages": []map[string]any{{
			"extId":       "chat_page_one",
			"pageType":    "PrivateChat",
			"categoryRef": "extid:private_chats",
			"authorRef":   "ssoid:chuma sso id",
			"title":       "chatPageOne title",
			"body":        "chatPageOne body text",
			"pageMemberRefs": []string{
				"ssoid:charlie sso id",
				"extid:chuma ext id",
			},
		}},
		"posts": []map[string]any{{
			"extId":     "chat_msg_one",
			"postType":  "ChatMessage",
			"parentNr":  1,
			"pageRef":   "extid:chat_page_one",
			"authorRef": "ssoid:chuma sso id",
			"body":      "Hi Charlie",
		}},
	}

	type upsertResponse struct {
		Pages []struct {
			ID       string `json:"id"`
			URLPaths struct {
				Canonical string `json:"canonical"`
			} `json:"urlPaths"`
			NumPostsTotal int `json:"numPostsTotal"`
		} `json:"pages"`
	}

	resp = postJSONRaw(t, client, baseURL+"/-/v0/upsert-simple", upsertReq)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var upsertResp upsertResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&upsertResp))
	_ = resp.Body.Close()

	require.Len(t, upsertResp.Pages, 1)
	require.Equal(t, "1", upsertResp.Pages[0].ID)
	require.Equal(t, "/-1/chatpageone-title", upsertResp.Pages[0].URLPaths.Canonical)
	require.Equal(t, 3, upsertResp.Pages[0].NumPostsTotal, "title, body and one message")
	canonicalPath := upsertResp.Pages[0].URLPaths.Canonical

	// Step 3: Charlie (the member who wrote nothing) gets exactly one
	// email about the new chat; chuma none.
	waitForEmails(t, client, adminAddr, "charlie@x.co", 1)
	emails := listEmails(t, client, adminAddr, "charlie@x.co")
	require.Contains(t, emails[0].Subject, "chatPageOne title")
	require.Contains(t, emails[0].BodyHTML, canonicalPath)
	require.Empty(t, listEmails(t, client, adminAddr, "chuma@x.co"))

	// Step 4: The identical batch again changes nothing and stays silent.
	resp = postJSONRaw(t, client, baseURL+"/-/v0/upsert-simple", upsertReq)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	upsertResp = upsertResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&upsertResp))
	_ = resp.Body.Close()
	require.Equal(t, 3, upsertResp.Pages[0].NumPostsTotal)

	time.Sleep(200 * time.Millisecond)
	require.Len(t, listEmails(t, client, adminAddr, "charlie@x.co"), 1,
		"re-upsert must not re-notify")

	// Step 5: A post aimed at a page nobody upserted fails with 404.
	resp = postJSONRaw(t, client, baseURL+"/-/v0/upsert-simple", map[string]any{
		"apiRequesterId": 1,
		"apiSecret":      testAPISecret,
		"posts": []map[string]any{{
			"extId":     "stray",
			"pageRef":   "extid:no_such_page",
			"authorRef": "ssoid:chuma sso id",
			"body":      "hello?",
		}},
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// Step 6: The notification link is a 404 for the logged-out.
	resp, err = client.Get(baseURL + canonicalPath)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// Step 7: Charlie logs in through the link's one-time secret.
	loginURL := fmt.Sprintf("%s/-/v0/login-with-secret?oneTimeSecret=%s&thenGoTo=%s",
		baseURL, charlieSecret, canonicalPath)
	resp, err = noRedirectClient.Get(loginURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := resp.Location()
	require.NoError(t, err)
	require.Equal(t, canonicalPath, location.Path)

	var token string
	for _, c := range resp.Cookies() {
		if c.Name == "token" {
			token = c.Value
			// The cookie lives as long as the configured session expiry.
			require.WithinDuration(t, time.Now().Add(30*time.Minute), c.Expires, 2*time.Minute)
		}
	}
	_ = resp.Body.Close()
	require.NotEmpty(t, token, "login must set the session cookie")

	// The same secret a second time is refused.
	resp, err = noRedirectClient.Get(loginURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// Step 8: Logged in, the page renders with the message anchored.
	reqPage, _ := http.NewRequest("GET", baseURL+canonicalPath, nil)
	reqPage.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err = client.Do(reqPage)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pageHTML, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(pageHTML), "chatPageOne title")
	require.Contains(t, string(pageHTML), "Hi Charlie")
	require.Contains(t, string(pageHTML), `id="post-2"`)

	// The JSON view agrees.
	reqJSON, _ := http.NewRequest("GET", baseURL+"/-/v0/pages/1", nil)
	reqJSON.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err = client.Do(reqJSON)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pageResp struct {
		ID    string `json:"id"`
		Posts []struct {
			Nr     int    `json:"nr"`
			Author string `json:"author"`
			Body   string `json:"body"`
		} `json:"posts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pageResp))
	_ = resp.Body.Close()
	require.Equal(t, "1", pageResp.ID)
	require.Len(t, pageResp.Posts, 3)
	require.Equal(t, "chuma", pageResp.Posts[2].Author)

	// resolve-page maps the external id to the same page.
	reqResolve, _ := http.NewRequest("GET",
		baseURL+"/-/v0/resolve-page?ref=extid:chat_page_one", nil)
	reqResolve.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err = client.Do(reqResolve)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var resolveResp map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resolveResp))
	_ = resp.Body.Close()
	require.Equal(t, "1", resolveResp["id"])
	require.Equal(t, canonicalPath, resolveResp["canonicalPath"])

	// Step 9: Charlie replies in the app; chuma gets the email this time.
	replyBody, _ := json.Marshal(map[string]any{"body": "Hi chuma, got your message"})
	reqReply, _ := http.NewRequest("POST", baseURL+"/-/v0/pages/1/chat-messages",
		bytes.NewReader(replyBody))
	reqReply.Header.Set("Content-Type", "application/json")
	reqReply.Header.Set("Origin", baseURL)
	reqReply.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err = client.Do(reqReply)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	waitForEmails(t, client, adminAddr, "chuma@x.co", 1)
	chumaEmails := listEmails(t, client, adminAddr, "chuma@x.co")
	require.Contains(t, chumaEmails[0].BodyHTML, "got your message")

	// Step 10: /api/me and logoff.
	reqMe, _ := http.NewRequest("GET", baseURL+"/api/me", nil)
	reqMe.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err = client.Do(reqMe)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me struct {
		Username string `json:"username"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	_ = resp.Body.Close()
	require.Equal(t, "charlie", me.Username)

	reqOff, _ := http.NewRequest("POST", baseURL+"/api/logoff", nil)
	reqOff.Header.Set("Origin", baseURL)
	reqOff.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err = client.Do(reqOff)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	reqMe2, _ := http.NewRequest("GET", baseURL+"/api/me", nil)
	reqMe2.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err = client.Do(reqMe2)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func upsertUserViaAPI(t *testing.T, client *http.Client, baseURL string,
	externalUser map[string]any) (secret string, userID int64) {
	t.Helper()
	resp := postJSONRaw(t, client, baseURL+"/-/v0/sso-upsert-user-generate-login-secret",
		map[string]any{
			"apiRequesterId": 1,
			"apiSecret":      testAPISecret,
			"externalUser":   externalUser,
		})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		LoginSecret string `json:"loginSecret"`
		UserID      int64  `json:"userId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.LoginSecret)
	return result.LoginSecret, result.UserID
}

func postJSONRaw(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("POST", url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

type sentEmail struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"bodyHtmlText"`
}

func listEmails(t *testing.T, client *http.Client, adminAddr, to string) []sentEmail {
	t.Helper()
	req, err := http.NewRequest("GET",
		fmt.Sprintf("http://%s/admin/emails?to=%s", adminAddr, strings.ReplaceAll(to, "@", "%40")), nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", testAdminPassword)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Num    int         `json:"num"`
		Emails []sentEmail `json:"emails"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result.Emails
}

func waitForEmails(t *testing.T, client *http.Client, adminAddr, to string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(listEmails(t, client, adminAddr, to)) == want
	}, 5*time.Second, 50*time.Millisecond, "waiting for %d emails to %s", want, to)
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	req, _ := http.NewRequest("GET", urlStr, nil)
	req.SetBasicAuth("admin", testAdminPassword)
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
