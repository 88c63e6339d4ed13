// Command managerctl is the Manager's operator CLI: it talks to a running
// Manager's HTTP API to list runners, restart selected tasks,
// inspect storage info, and generate the tokens/password hashes the
// Manager's config expects. Grounded on the teacher's cmd/splaictl/main.go
// (os.Args subcommand dispatch, flag.NewFlagSet per subcommand, fatalf
// helper), generalized from splaictl's worker-install/verify concerns to
// this spec's admin-API-client concern (SPEC_FULL.md §2).
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "runners":
		runRunners(os.Args[2:])
	case "tasks":
		runTasks(os.Args[2:])
	case "storage":
		runStorage(os.Args[2:])
	case "token":
		runToken(os.Args[2:])
	case "admin":
		runAdmin(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: managerctl <runners|tasks|storage|token|admin|verify> [...]")
}

// --- runners list -----------------------------------------------------------

func runRunners(args []string) {
	if len(args) < 1 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "usage: managerctl runners list [--url URL] [--token TOKEN]")
		os.Exit(1)
	}
	c := newClientFromArgs(args[1:])
	var runners []map[string]any
	c.getJSON("/runner/list", &runners)
	printJSON(runners)
}

// --- tasks restart-selected ---------------------------------------------------

func runTasks(args []string) {
	if len(args) < 1 || args[0] != "restart-selected" {
		fmt.Fprintln(os.Stderr, "usage: managerctl tasks restart-selected --ids id1,id2,... [--url URL] [--admin-user U] [--admin-pass P]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("tasks restart-selected", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "Manager base URL")
	ids := fs.String("ids", "", "comma-separated task_ids to restart")
	adminUser := fs.String("admin-user", "", "admin basic auth username")
	adminPass := fs.String("admin-pass", "", "admin basic auth password")
	_ = fs.Parse(args[1:])

	taskIDs := splitCSV(*ids)
	if len(taskIDs) == 0 {
		fatalf("--ids is required")
	}

	body, _ := json.Marshal(map[string]any{"task_ids": taskIDs})
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*url, "/")+"/tasks/restart-selected", strings.NewReader(string(body)))
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if *adminUser != "" {
		req.SetBasicAuth(*adminUser, *adminPass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("restart-selected request failed: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		fatalf("restart-selected returned %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Println(string(out))
}

// --- storage info -----------------------------------------------------------

func runStorage(args []string) {
	if len(args) < 1 || args[0] != "info" {
		fmt.Fprintln(os.Stderr, "usage: managerctl storage info --admin-user U --admin-pass P [--url URL]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("storage info", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "Manager base URL")
	adminUser := fs.String("admin-user", "", "admin basic auth username")
	adminPass := fs.String("admin-pass", "", "admin basic auth password")
	_ = fs.Parse(args[1:])

	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(*url, "/")+"/admin/storage", nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if *adminUser != "" {
		req.SetBasicAuth(*adminUser, *adminPass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("storage info request failed: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		fatalf("storage info returned %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Println(string(out))
}

// --- token create -------------------------------------------------------------

func runToken(args []string) {
	if len(args) < 1 || args[0] != "create" {
		fmt.Fprintln(os.Stderr, "usage: managerctl token create [--length N]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	length := fs.Int("length", 32, "random bytes before base64url encoding")
	_ = fs.Parse(args[1:])
	if *length < 16 {
		fatalf("length must be >= 16")
	}
	b := make([]byte, *length)
	if _, err := rand.Read(b); err != nil {
		fatalf("generate token: %v", err)
	}
	fmt.Println(base64.RawURLEncoding.EncodeToString(b))
}

// --- admin hash-password ------------------------------------------------------

func runAdmin(args []string) {
	if len(args) < 1 || args[0] != "hash-password" {
		fmt.Fprintln(os.Stderr, "usage: managerctl admin hash-password --password P")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("admin hash-password", flag.ExitOnError)
	password := fs.String("password", "", "plaintext password to hash for admin_users config")
	_ = fs.Parse(args[1:])
	if strings.TrimSpace(*password) == "" {
		fatalf("--password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		fatalf("hash password: %v", err)
	}
	fmt.Println(string(hash))
}

// --- verify -------------------------------------------------------------------

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "Manager base URL")
	token := fs.String("token", "", "optional API token")
	_ = fs.Parse(args)

	rootURL := strings.TrimRight(*url, "/") + "/"
	req, err := http.NewRequest(http.MethodGet, rootURL, nil)
	if err != nil {
		fatalf("verify request build failed: %v", err)
	}
	if strings.TrimSpace(*token) != "" {
		req.Header.Set("X-API-Token", strings.TrimSpace(*token))
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatalf("verify failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fatalf("verify returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	fmt.Printf("ok: %s\n", rootURL)
}

// --- shared helpers -----------------------------------------------------------

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClientFromArgs(args []string) *apiClient {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "Manager base URL")
	token := fs.String("token", "", "API token")
	_ = fs.Parse(args)
	return &apiClient{baseURL: strings.TrimRight(*url, "/"), token: *token, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *apiClient) getJSON(path string, out any) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if c.token != "" {
		req.Header.Set("X-API-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("request to %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fatalf("%s returned %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fatalf("decode response from %s: %v", path, err)
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("marshal output: %v", err)
	}
	fmt.Println(string(b))
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
