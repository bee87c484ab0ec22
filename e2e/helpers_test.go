//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/require"
)

const (
	e2eAPISecret     = "e2e-api-secret"
	e2eAdminPassword = "e2e-admin-pass"
)

type TestServer struct {
	APIAddr   string
	AdminAddr string
	BaseURL   string
	DBPath    string
	Cmd       *exec.Cmd
}

func getFreePort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	require.NoError(t, err)

	l, err := net.ListenTCP("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func (s *TestServer) env() []string {
	return append(os.Environ(),
		fmt.Sprintf("API_ADDR=%s", s.APIAddr),
		fmt.Sprintf("ADMIN_ADDR=%s", s.AdminAddr),
		fmt.Sprintf("BASE_URL=%s", s.BaseURL),
		fmt.Sprintf("VECHE_DB=%s", s.DBPath),
		fmt.Sprintf("API_SECRET=%s", e2eAPISecret),
		fmt.Sprintf("ADMIN_PASSWORD=%s", e2eAdminPassword),
	)
}

func startServer(t *testing.T) *TestServer {
	apiPort := getFreePort(t)
	adminPort := getFreePort(t)
	apiAddr := fmt.Sprintf("localhost:%d", apiPort)
	adminAddr := fmt.Sprintf("localhost:%d", adminPort)
	baseURL := fmt.Sprintf("http://%s", apiAddr)

	tmpDB, err := os.CreateTemp("", "veche-e2e-*.db")
	require.NoError(t, err)
	dbPath := tmpDB.Name()
	_ = tmpDB.Close()

	server := &TestServer{
		APIAddr:   apiAddr,
		AdminAddr: adminAddr,
		BaseURL:   baseURL,
		DBPath:    dbPath,
	}

	cmd := exec.Command(serverBinPath)
	cmd.Env = server.env()

	err = cmd.Start()
	require.NoError(t, err)
	server.Cmd = cmd

	// Wait for server to be ready
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", apiAddr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		return false
	}, 5*time.Second, 200*time.Millisecond, "Server failed to start")

	return server
}

func (s *TestServer) Stop() {
	if s.Cmd != nil && s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
	}
	if s.DBPath != "" {
		_ = os.Remove(s.DBPath)
		_ = os.Remove(s.DBPath + "-lock") // bbolt lock file
	}
}

// CreateUserCLI upserts a user through the -upsert-user command and returns
// the one-time login link it prints.
func (s *TestServer) CreateUserCLI(t *testing.T, username, email string) string {
	cmd := exec.Command(serverBinPath, "-upsert-user", fmt.Sprintf("%s:%s", username, email))
	cmd.Env = s.env()

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "Failed to create user via CLI: %s", string(output))

	re := regexp.MustCompile(`Login Link:\s+(http://\S+)`)
	matches := re.FindStringSubmatch(string(output))
	require.Len(t, matches, 2, "Could not find login link in output: %s", string(output))

	return matches[1]
}

// UpsertUserAPI drives the SSO endpoint the way the external system would
// and returns the login link for the fresh one-time secret.
func (s *TestServer) UpsertUserAPI(t *testing.T, externalUser map[string]any) string {
	resp := s.postJSON(t, "/-/v0/sso-upsert-user-generate-login-secret", map[string]any{
		"apiRequesterId": 1,
		"apiSecret":      e2eAPISecret,
		"externalUser":   externalUser,
	})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		LoginSecret string `json:"loginSecret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.LoginSecret)
	return fmt.Sprintf("%s/-/v0/login-with-secret?oneTimeSecret=%s&thenGoTo=/",
		s.BaseURL, result.LoginSecret)
}

// UpsertChat creates the private chat page with its first message and
// returns the canonical page path.
func (s *TestServer) UpsertChat(t *testing.T, title, body, firstMessage string, memberRefs []string, authorRef string) string {
	resp := s.postJSON(t, "/-/v0/upsert-simple", map[string]any{
		"apiRequesterId": 1,
		"apiSecret":      e2eAPISecret,
		"upsertOptions":  map[string]any{"sendNotifications": true},
		"pages": []map[string]any{{
			"extId":          "e2e_chat_page",
			"pageType":       "PrivateChat",
			"categoryRef":    "extid:private_chats",
			"authorRef":      authorRef,
			"title":          title,
			"body":           body,
			"pageMemberRefs": memberRefs,
		}},
		"posts": []map[string]any{{
			"extId":     "e2e_chat_msg_one",
			"postType":  "ChatMessage",
			"parentNr":  1,
			"pageRef":   "extid:e2e_chat_page",
			"authorRef": authorRef,
			"body":      firstMessage,
		}},
	})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Pages []struct {
			URLPaths struct {
				Canonical string `json:"canonical"`
			} `json:"urlPaths"`
		} `json:"pages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Pages, 1)
	return result.Pages[0].URLPaths.Canonical
}

func (s *TestServer) postJSON(t *testing.T, path string, body any) *http.Response {
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("POST", s.BaseURL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// EmailsTo polls the admin sent-emails endpoint.
func (s *TestServer) EmailsTo(t *testing.T, addr string) int {
	req, err := http.NewRequest("GET",
		fmt.Sprintf("http://%s/admin/emails?to=%s", s.AdminAddr, addr), nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", e2eAdminPassword)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Num int `json:"num"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result.Num
}

func setupPlaywright(t *testing.T) (*playwright.Playwright, playwright.Browser) {
	pw, err := playwright.Run()
	require.NoError(t, err)

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	require.NoError(t, err)

	return pw, browser
}

func createBrowserContext(t *testing.T, browser playwright.Browser) playwright.BrowserContext {
	context, err := browser.NewContext()
	require.NoError(t, err)
	return context
}
