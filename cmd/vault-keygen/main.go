package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/juno-intents/yield-vault/internal/apikey"
)

type output struct {
	Address    string `json:"address"`
	KeyPath    string `json:"key_path"`
	KeyCreated bool   `json:"key_created"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("vault-keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	keyPath := fs.String("key-path", "", "path for the API signing key (created if missing)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keyPath) == "" {
		return fmt.Errorf("--key-path is required")
	}

	key, created, err := apikey.LoadOrCreate(*keyPath)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output{
		Address:    apikey.Address(key).Hex(),
		KeyPath:    *keyPath,
		KeyCreated: created,
	})
}
