package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"veche/internal/config"
	"veche/internal/models"
)

// UpsertUser creates or refreshes a user through the running server's admin
// API and prints a one-time login link for them. The argument has the form
// "username:email".
func UpsertUser(arg string, cfg *config.Config) error {
	username, email, found := strings.Cut(arg, ":")
	if !found || username == "" || email == "" {
		return fmt.Errorf("expected username:email, got %q", arg)
	}

	reqBody, err := json.Marshal(map[string]models.ExternalUser{
		"externalUser": {
			ExtID:                  username,
			Username:               username,
			FullName:               username,
			PrimaryEmailAddress:    email,
			IsEmailAddressVerified: true,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("admin", cfg.AdminPassword)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to upsert user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Success   bool   `json:"success"`
		Username  string `json:"username"`
		LoginLink string `json:"loginLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Upserted Successfully!\n")
	fmt.Printf("Username:    %s\n", result.Username)
	fmt.Printf("Login Link:  %s\n\n", result.LoginLink)
	fmt.Println("The link logs in once and then expires.")
	return nil
}
