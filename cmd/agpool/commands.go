package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/j-veylop/antigravity-pool/internal/config"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services"
	"github.com/j-veylop/antigravity-pool/internal/services/accounts"
	"github.com/j-veylop/antigravity-pool/internal/services/clientpool"
	"github.com/j-veylop/antigravity-pool/internal/status"
)

var warmupAccount string

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Trigger a warmup run on the running server",
	Long: `Ask the running server to warm every model whose quota is full.

Warmup calls go through the server's loopback endpoint, so agpool serve must
be running. The job continues in the server after this command returns.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = closer.Close() }()

		path := "/api/warmup"
		if warmupAccount != "" {
			path = "/api/accounts/" + warmupAccount + "/warmup"
		}

		msg, err := postLocal(cmd.Context(), cfg, path)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

// postLocal posts to the running server and returns its message.
func postLocal(ctx context.Context, cfg *config.Config, path string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	client := clientpool.New(nil, clientpool.Options{BackgroundTimeout: cfg.BackgroundTimeout}).
		Loopback(clientpool.Background)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.LoopbackBaseURL()+path, bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("is agpool serve running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("unexpected response (HTTP %d): %s", resp.StatusCode, data)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, body.Error)
	}
	return body.Message, nil
}

var statusRefresh bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show accounts and per-model quota",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withManager(func(cfg *config.Config, m *services.Manager) error {
			overview, err := statusOverview(cmd.Context(), m)
			if err != nil {
				return err
			}
			out := status.RenderStatus(overview, m.Stats(), status.Options{
				Width:     terminalWidth(),
				NearReady: cfg.NearReadyThreshold,
			})
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

// statusOverview fetches live quota with --refresh and otherwise shows the
// last recorded readings.
func statusOverview(ctx context.Context, m *services.Manager) ([]services.AccountQuota, error) {
	if statusRefresh {
		m.RefreshQuota(ctx)
		return m.QuotaOverview(), nil
	}
	return m.RecordedOverview()
}

var (
	historyEmail string
	historyModel string
	historySince time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Plot recorded quota for an account's model",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withManager(func(_ *config.Config, m *services.Manager) error {
			acc, err := m.Accounts().GetByEmail(historyEmail)
			if err != nil {
				return err
			}
			points, err := m.History(acc.Email, historyModel, time.Now().Add(-historySince))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(),
				status.RenderHistory(points, acc.Email, historyModel, terminalWidth()-10, 12))
			return nil
		})
	},
}

var callsLimit int

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List recent upstream calls",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withManager(func(_ *config.Config, m *services.Manager) error {
			calls, err := m.RecentCalls(callsLimit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.RenderCalls(calls))
			return nil
		})
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage pool accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withManager(func(_ *config.Config, m *services.Manager) error {
			for _, acc := range m.Accounts().List() {
				state := "enabled"
				switch {
				case acc.Disabled:
					state = "disabled"
				case acc.ProxyDisabled:
					state = "excluded"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", acc.ID, truncate(acc.Email, 40), state, acc.ProjectID)
			}
			return nil
		})
	},
}

var accountsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import accounts from an accounts JSON file",
	Long: `Import accounts from an agpool accounts file, a JSON array of accounts, or
the antigravity-accounts.json written by opencode-antigravity-auth.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withManager(func(_ *config.Config, m *services.Manager) error {
			n, err := m.Accounts().Import(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d accounts (%d total)\n", n, m.Accounts().Count())
			return nil
		})
	},
}

var accountsSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Change an account's flags or proxy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(_ *config.Config, m *services.Manager) error {
			acc, err := m.Accounts().Get(args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("disabled") {
				acc.Disabled, _ = flags.GetBool("disabled")
			}
			if flags.Changed("proxy-disabled") {
				acc.ProxyDisabled, _ = flags.GetBool("proxy-disabled")
			}
			if flags.Changed("proxy") {
				acc.ProxyURL, _ = flags.GetString("proxy")
			}
			return m.Accounts().Save(acc)
		})
	},
}

var accountsDeleteCmd = &cobra.Command{
	Use:   "delete <id|email>",
	Short: "Remove an account from the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(_ *config.Config, m *services.Manager) error {
			acc, err := lookupAccount(m.Accounts(), args[0])
			if err != nil {
				return err
			}
			if err := m.Accounts().Delete(acc.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", acc.Email)
			return nil
		})
	},
}

var accountsRecheckCmd = &cobra.Command{
	Use:   "recheck <id|email>",
	Short: "Ask the running server to re-check a not-entitled account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = closer.Close() }()

		id := args[0]
		if store, err := accounts.New(cfg.AccountsPath); err == nil {
			if acc, err := lookupAccount(store, id); err == nil {
				id = acc.ID
			}
			_ = store.Close()
		}

		msg, err := postLocal(cmd.Context(), cfg, "/api/accounts/"+id+"/recheck")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

// accountLookup finds accounts by id or email.
type accountLookup interface {
	Get(id string) (models.Account, error)
	GetByEmail(email string) (models.Account, error)
}

// lookupAccount resolves an id, falling back to an email match.
func lookupAccount(store accountLookup, key string) (models.Account, error) {
	acc, err := store.Get(key)
	if err == nil {
		return acc, nil
	}
	if byEmail, emailErr := store.GetByEmail(key); emailErr == nil {
		return byEmail, nil
	}
	return models.Account{}, err
}

func init() {
	warmupCmd.Flags().StringVar(&warmupAccount, "account", "", "warm only this account id")

	statusCmd.Flags().BoolVar(&statusRefresh, "refresh", false, "fetch live quota before rendering")

	historyCmd.Flags().StringVar(&historyEmail, "email", "", "account email")
	historyCmd.Flags().StringVar(&historyModel, "model", "", "model name")
	historyCmd.Flags().DurationVar(&historySince, "since", 24*time.Hour, "how far back to plot")
	_ = historyCmd.MarkFlagRequired("email")
	_ = historyCmd.MarkFlagRequired("model")

	callsCmd.Flags().IntVar(&callsLimit, "limit", 20, "number of calls to show")

	accountsSetCmd.Flags().Bool("disabled", false, "exclude the account from everything")
	accountsSetCmd.Flags().Bool("proxy-disabled", false, "exclude the account from request routing")
	accountsSetCmd.Flags().String("proxy", "", "upstream proxy URL for this account (empty to clear)")

	accountsCmd.AddCommand(accountsListCmd, accountsImportCmd, accountsSetCmd, accountsDeleteCmd, accountsRecheckCmd)
}

// terminalWidth reads COLUMNS, falling back to 100.
func terminalWidth() int {
	var w int
	if _, err := fmt.Sscanf(os.Getenv("COLUMNS"), "%d", &w); err == nil && w > 0 {
		return w
	}
	return 100
}

// truncate keeps table cells on one line.
func truncate(s string, n int) string {
	return ansi.Truncate(s, n, "…")
}
