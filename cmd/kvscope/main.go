package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/splax/kvscope/internal/service/diagnostics"
	apiclient "github.com/splax/kvscope/pkg/api/client"
	"github.com/splax/kvscope/pkg/config"
	jwtpkg "github.com/splax/kvscope/pkg/jwt"
)

const defaultAPIBase = "http://localhost:4000"

// userAgent tags CLI requests so they stand out in the API audit log.
type userAgent struct {
	next http.RoundTripper
}

func (u userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", "kvscope-cli/"+strings.TrimSpace(buildVersion))
	return u.next.RoundTrip(req)
}

func newAPIClient(base string) (*apiclient.Client, error) {
	return apiclient.New(base, apiclient.WithHTTPClient(&http.Client{
		Timeout:   15 * time.Second,
		Transport: userAgent{next: http.DefaultTransport},
	}))
}

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "captures":
		err = commandCaptures(args, os.Stdout)
	case "show":
		err = commandShow(args, os.Stdout)
	case "token":
		err = commandToken(args, os.Stdout)
	case "config":
		err = commandConfig(args, os.Stdout)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandCaptures(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("captures", flag.ContinueOnError)
	apiBase := fs.String("api", "", "API base URL")
	token := fs.String("token", "", "Diagnostics access token")
	limit := fs.Int("limit", 20, "Number of captures to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := resolveConfig(*apiBase, *token)
	if err != nil {
		return err
	}
	client, err := newAPIClient(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	captures, err := client.ListCaptures(ctx, cfg.AccessToken, *limit)
	if err != nil {
		return err
	}
	if len(captures) == 0 {
		fmt.Fprintln(out, "no captures recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTARTED\tOPS\tDUPES\tERRORS\tEXEC (ms)")
	for _, c := range captures {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.2f\n",
			c.ID, c.Name, c.StartedAt.Local().Format(time.RFC3339),
			c.OperationCount, c.DuplicateCount, c.ErrorCount, c.ExecutionTimeMS)
	}
	return tw.Flush()
}

func commandShow(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	apiBase := fs.String("api", "", "API base URL")
	token := fs.String("token", "", "Diagnostics access token")
	asJSON := fs.Bool("json", false, "Print the raw report JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: kvscope show <capture-id>")
	}

	cfg, err := resolveConfig(*apiBase, *token)
	if err != nil {
		return err
	}
	client, err := newAPIClient(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	capture, err := client.GetCapture(ctx, cfg.AccessToken, fs.Arg(0))
	if err != nil {
		return err
	}
	if *asJSON {
		_, err := fmt.Fprintf(out, "%s\n", capture.Report)
		return err
	}
	fmt.Fprintf(out, "%s  (%s, %.2f ms)\n\n", capture.Name, capture.ID, capture.ElapsedMS)
	if len(capture.Report) == 0 {
		return diagnostics.RenderText(out, nil)
	}
	var report diagnostics.Report
	if err := json.Unmarshal(capture.Report, &report); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	return diagnostics.RenderText(out, &report)
}

func commandToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", "", "Signing secret (prompted when omitted)")
	ttl := fs.Duration("ttl", config.Load().DiagnosticsTokenTTL, "Token lifetime (DIAGNOSTICS_TOKEN_TTL_MIN)")
	subject := fs.String("subject", "", "Token subject (defaults to $USER)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key := strings.TrimSpace(*secret)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("DIAGNOSTICS_JWT_SECRET"))
	}
	if key == "" {
		fmt.Fprint(os.Stderr, "Signing secret: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprint(os.Stderr, "\n")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		key = strings.TrimSpace(string(bytes))
	}
	sub := strings.TrimSpace(*subject)
	if sub == "" {
		sub = os.Getenv("USER")
	}
	if sub == "" {
		sub = "kvscope-cli"
	}
	token, err := jwtpkg.GenerateToken(sub, jwtpkg.ScopeDiagnostics, key, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func commandConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	apiBase := fs.String("api", "", "API base URL to remember")
	token := fs.String("token", "", "Access token to remember")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*apiBase); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(*token); v != "" {
		cfg.AccessToken = v
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	path, _ := configPath()
	fmt.Fprintf(out, "saved %s (api %s)\n", path, cfg.APIBaseURL)
	return nil
}

// resolveConfig layers flags over environment variables over the saved file.
func resolveConfig(apiBase, token string) (cliConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, err
	}
	if v := strings.TrimSpace(os.Getenv("KVSCOPE_API")); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("KVSCOPE_TOKEN")); v != "" {
		cfg.AccessToken = v
	}
	if v := strings.TrimSpace(apiBase); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(token); v != "" {
		cfg.AccessToken = v
	}
	if cfg.AccessToken == "" {
		return cliConfig{}, errors.New("no access token: pass --token, set KVSCOPE_TOKEN or run 'kvscope config --token'")
	}
	return cfg, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kvscope", "config.json"), nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "kvscope CLI %s\n\n", buildVersion)
	fmt.Fprint(w, `Usage:
	kvscope captures [--api http://localhost:4000] [--token T] [--limit N]
	kvscope show <capture-id> [--api URL] [--token T] [--json]
	kvscope token [--secret S] [--ttl 1h] [--subject name]
	kvscope config [--api URL] [--token T]
	kvscope version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
