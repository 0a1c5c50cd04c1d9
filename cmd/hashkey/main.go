// Command hashkey generates an admin API key and the ADMIN_KEY_HASH value
// for it, or hashes a key supplied on stdin.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tallyhq/tally/internal/auth"
)

type output struct {
	Key  string `json:"key,omitempty"`
	Hash string `json:"hash"`
}

func main() {
	var (
		fromStdin = flag.Bool("stdin", false, "Hash an existing key read from stdin instead of generating one")
		format    = flag.String("format", "plain", "Output format: plain or json")
	)
	flag.Parse()

	var out output
	if *fromStdin {
		key, err := readKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		if !auth.ValidateKeyFormat(key) {
			fmt.Fprintln(os.Stderr, auth.ErrInvalidKeyFormat.Error())
			os.Exit(1)
		}
		hash, err := auth.HashKey(key)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash key:", err)
			os.Exit(1)
		}
		out.Hash = hash
	} else {
		generated, err := auth.GenerateAdminKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, "generate admin key:", err)
			os.Exit(1)
		}
		out.Key = generated.Plaintext
		out.Hash = generated.Hash
	}

	switch strings.ToLower(*format) {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintln(os.Stderr, "encode output:", err)
			os.Exit(1)
		}
	default:
		if out.Key != "" {
			fmt.Printf("ADMIN_KEY=%s\n", out.Key)
		}
		fmt.Printf("ADMIN_KEY_HASH=%s\n", out.Hash)
	}
}

func readKey() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("no key on stdin")
	}
	return key, nil
}
