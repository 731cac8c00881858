package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/juno-intents/yield-vault/internal/apikey"
	"github.com/juno-intents/yield-vault/internal/httpapi"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, http.DefaultClient, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run sends one signed POST to the vault API and copies the response body to
// stdout. Non-2xx responses are returned as errors after the body is written.
func run(args []string, stdin io.Reader, stdout io.Writer, client *http.Client, now func() time.Time) error {
	fs := flag.NewFlagSet("vault-request", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	keyPath := fs.String("key-path", "", "API signing key (required)")
	baseURL := fs.String("api-url", "http://127.0.0.1:8090", "vault API base URL")
	path := fs.String("path", "", "request path, e.g. /v1/vaults/usdc/deposit (required)")
	body := fs.String("body", "", "inline JSON body; read from stdin when empty")
	timeout := fs.Duration("timeout", 15*time.Second, "request timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keyPath) == "" || strings.TrimSpace(*path) == "" {
		return errors.New("--key-path and --path are required")
	}
	if !strings.HasPrefix(*path, "/") {
		return errors.New("--path must start with /")
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}

	key, err := apikey.Load(*keyPath)
	if err != nil {
		return err
	}

	payload := []byte(*body)
	if len(payload) == 0 && stdin != nil {
		if payload, err = io.ReadAll(stdin); err != nil {
			return fmt.Errorf("read stdin body: %w", err)
		}
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	target, err := url.JoinPath(strings.TrimRight(*baseURL, "/"), *path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := httpapi.SetAuthHeaders(req, key, payload, now()); err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", *path, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(stdout, io.LimitReader(resp.Body, 1<<20)); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
