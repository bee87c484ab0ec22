package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	SiteName    string

	APIRequesterID int64
	APISecret      string
	SecretExpiry   time.Duration
	SessionExpiry  time.Duration

	AdminPassword string

	ResendAPIKey     string
	MailFrom         string
	NotifyOnPageEdit bool

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

func Load() (*Config, error) {
	secretExpiry, err := time.ParseDuration(getEnv("SECRET_EXPIRY", "10m"))
	if err != nil {
		return nil, err
	}
	sessionExpiry, err := time.ParseDuration(getEnv("SESSION_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}
	requesterID, err := strconv.ParseInt(getEnv("API_REQUESTER_ID", "1"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("API_REQUESTER_ID must be numeric: %w", err)
	}

	cfg := &Config{
		DBFile:      getEnv("VECHE_DB", "veche.db"),
		AdminAddr:   getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:     getEnv("API_ADDR", ":8080"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath: getEnv("UPLOADS_PATH", "uploads"),
		SiteName:    getEnv("SITE_NAME", "Veche"),

		APIRequesterID: requesterID,
		APISecret:      os.Getenv("API_SECRET"),
		SecretExpiry:   secretExpiry,
		SessionExpiry:  sessionExpiry,

		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		ResendAPIKey:     os.Getenv("RESEND_API_KEY"),
		MailFrom:         getEnv("MAIL_FROM", "notifications@veche.local"),
		NotifyOnPageEdit: os.Getenv("NOTIFY_ON_PAGE_EDIT") == "true",

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "mailto:admin@veche.local"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APISecret == "" {
		return fmt.Errorf("API_SECRET is required")
	}
	if c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required")
	}
	if c.SecretExpiry <= 0 {
		return fmt.Errorf("SECRET_EXPIRY must be greater than 0")
	}
	if c.SessionExpiry <= 0 {
		return fmt.Errorf("SESSION_EXPIRY must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
