// Command set-webhook registers the gateway's Telegram webhook. It
// deletes any existing registration first so stale pending updates are
// dropped, then points the bot at <public-url>/api/tg.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/visiodeibc/omnirelay/shared/logger"
)

const defaultBaseURL = "https://api.telegram.org"

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type webhookInfo struct {
	URL                  string `json:"url"`
	HasCustomCertificate bool   `json:"has_custom_certificate"`
	PendingUpdateCount   int    `json:"pending_update_count"`
	LastErrorDate        int64  `json:"last_error_date"`
	LastErrorMessage     string `json:"last_error_message"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	botToken := flag.String("token", os.Getenv("TELEGRAM_BOT_TOKEN"), "Telegram bot token")
	secret := flag.String("secret", os.Getenv("TELEGRAM_WEBHOOK_SECRET"), "Webhook secret token")
	publicURL := flag.String("public-url", os.Getenv("PUBLIC_URL"), "Public base URL of the gateway")
	flag.Parse()

	if *botToken == "" {
		return fmt.Errorf("bot token is required (flag -token or TELEGRAM_BOT_TOKEN)")
	}
	if *secret == "" {
		return fmt.Errorf("webhook secret is required (flag -secret or TELEGRAM_WEBHOOK_SECRET)")
	}
	if *publicURL == "" {
		return fmt.Errorf("public url is required (flag -public-url or PUBLIC_URL)")
	}

	appLogger := logger.NewDefault()

	webhookURL := strings.TrimRight(*publicURL, "/") + "/api/tg"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 15 * time.Second}

	appLogger.Info("Deleting existing webhook")
	_, err := call(ctx, client, *botToken, "deleteWebhook", map[string]any{
		"drop_pending_updates": true,
	})
	if err != nil {
		return err
	}

	appLogger.Info("Setting webhook",
		slog.String("url", webhookURL),
	)
	_, err = call(ctx, client, *botToken, "setWebhook", map[string]any{
		"url":                  webhookURL,
		"secret_token":         *secret,
		"allowed_updates":      []string{"message", "callback_query"},
		"drop_pending_updates": true,
	})
	if err != nil {
		return err
	}

	result, err := call(ctx, client, *botToken, "getWebhookInfo", nil)
	if err != nil {
		return err
	}

	var info webhookInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return fmt.Errorf("decode webhook info: %w", err)
	}

	appLogger.Info("Webhook set successfully",
		slog.String("url", info.URL),
		slog.Bool("has_custom_certificate", info.HasCustomCertificate),
		slog.Int("pending_update_count", info.PendingUpdateCount),
	)
	if info.LastErrorDate != 0 {
		appLogger.Warn("Telegram reported a recent delivery error",
			slog.Time("last_error_date", time.Unix(info.LastErrorDate, 0)),
			slog.String("last_error_message", info.LastErrorMessage),
		)
	}

	return nil
}

// call invokes a Bot API method and unwraps Telegram's response
// envelope.
func call(ctx context.Context, client *http.Client, token, method string, params map[string]any) (json.RawMessage, error) {
	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/bot%s/%s", defaultBaseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !decoded.OK {
		return nil, fmt.Errorf("%s failed: %s", method, decoded.Description)
	}

	return decoded.Result, nil
}
