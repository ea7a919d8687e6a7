// Command lgctl is an operator CLI for the LendGuard admin API.
//
//	lgctl verify --ip 102.89.32.7 --country KE
//	lgctl events user-42
//	lgctl blocked user-42
//	lgctl sessions list user-42
//	lgctl sessions terminate user-42 <session-id>
//	lgctl sessions sweep
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Admin-Secret", c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s %s: status=%d body=%s", method, path, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func printJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		_, err = os.Stdout.Write(b)
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cl := &client{
		baseURL: envOr("LENDGUARD_URL", "http://localhost:8080"),
		secret:  os.Getenv("ADMIN_SECRET"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	var limit int

	root := &cobra.Command{
		Use:           "lgctl",
		Short:         "Operator CLI for LendGuard",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cl.secret == "" && cmd.Name() != "verify" {
				return fmt.Errorf("admin secret missing (flag --admin-secret or env ADMIN_SECRET)")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cl.baseURL, "url", cl.baseURL, "LendGuard base URL (env LENDGUARD_URL)")
	root.PersistentFlags().StringVar(&cl.secret, "admin-secret", cl.secret, "Admin secret (env ADMIN_SECRET)")

	get := func(path string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			p := fmt.Sprintf(path, url.PathEscape(args[0]))
			if limit > 0 {
				p += fmt.Sprintf("?limit=%d", limit)
			}
			b, err := cl.do(cmd.Context(), http.MethodGet, p, nil)
			if err != nil {
				return err
			}
			return printJSON(b)
		}
	}

	var ip, country string
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Score an IP against a registered country without recording anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if country == "" {
				return fmt.Errorf("--country is required")
			}
			b, err := cl.do(cmd.Context(), http.MethodPost, "/v1/location/verify",
				map[string]string{"ipAddress": ip, "registeredCountry": country})
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}
	verifyCmd.Flags().StringVar(&ip, "ip", "", "IP address to score (defaults to the caller's)")
	verifyCmd.Flags().StringVar(&country, "country", "", "Registered country, ISO 3166-1 alpha-2")

	eventsCmd := &cobra.Command{
		Use:   "events <user-id>",
		Short: "List a user's verification events, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  get("/v1/admin/users/%s/verification-events"),
	}
	blockedCmd := &cobra.Command{
		Use:   "blocked <user-id>",
		Short: "List a user's blocked attempts, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  get("/v1/admin/users/%s/blocked-attempts"),
	}
	for _, c := range []*cobra.Command{eventsCmd, blockedCmd} {
		c.Flags().IntVar(&limit, "limit", 0, "Maximum rows to return")
	}

	devicesCmd := &cobra.Command{
		Use:   "devices <user-id>",
		Short: "List a user's devices",
		Args:  cobra.ExactArgs(1),
		RunE:  get("/v1/admin/users/%s/devices"),
	}

	sessionsCmd := &cobra.Command{Use: "sessions", Short: "Session location operations"}
	sessionsCmd.AddCommand(
		&cobra.Command{
			Use:   "list <user-id>",
			Short: "List a user's tracked sessions",
			Args:  cobra.ExactArgs(1),
			RunE:  get("/v1/admin/users/%s/sessions"),
		},
		&cobra.Command{
			Use:   "terminate <user-id> <session-id>",
			Short: "Revoke a session and forget its location",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				p := fmt.Sprintf("/v1/admin/users/%s/sessions/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
				b, err := cl.do(cmd.Context(), http.MethodDelete, p, nil)
				if err != nil {
					return err
				}
				return printJSON(b)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Remove session locations idle past the configured TTL",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				b, err := cl.do(cmd.Context(), http.MethodPost, "/v1/admin/sessions/sweep", nil)
				if err != nil {
					return err
				}
				return printJSON(b)
			},
		},
	)

	root.AddCommand(verifyCmd, eventsCmd, blockedCmd, devicesCmd, sessionsCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
