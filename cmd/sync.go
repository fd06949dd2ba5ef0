package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/recall/internal/config"
	"github.com/kozaktomas/recall/internal/contacts"
	"github.com/kozaktomas/recall/internal/enrollment"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Enroll contact photos into the identity store",
	Long: `Read every active contact with a photo from the contacts database, detect the
largest face in each photo and store its embedding as the contact's identity.

Re-running sync overwrites identities instead of duplicating them. Contacts whose
photo has no detectable face are reported and keep any identity they already have.

Examples:
  # Enroll all contacts
  recall sync

  # Enroll the contacts of one user
  recall sync --owner 42`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().Int64("owner", 0, "Only enroll contacts of this user id")
	syncCmd.Flags().Bool("json", false, "Output as JSON")
}

// syncOutput is the JSON output of the sync command.
type syncOutput struct {
	Synced int               `json:"synced"`
	Errors []syncErrorOutput `json:"errors"`
}

type syncErrorOutput struct {
	ContactID int64  `json:"contact_id"`
	Name      string `json:"name"`
	Error     string `json:"error"`
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()
	jsonOutput := mustGetBool(cmd, "json")

	if cfg.Contacts.DatabaseURL == "" {
		return errors.New("CONTACTS_DATABASE_URL environment variable is required")
	}

	adapter, closeAdapter, err := openAdapter(cfg)
	if err != nil {
		return err
	}
	defer closeAdapter()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	source, err := contacts.Open(ctx, cfg.Contacts.DatabaseURL)
	if err != nil {
		return err
	}
	defer source.Close()

	// Create progress bar once the contact count is known (only for non-JSON output)
	var bar *progressbar.ProgressBar
	opts := enrollment.Options{BatchSize: cfg.Sync.BatchSize}
	if cfg.Sync.RateLimit > 0 {
		opts.RateLimiter = rate.NewLimiter(rate.Limit(cfg.Sync.RateLimit), 1)
	}
	if !jsonOutput {
		opts.Progress = func(done, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("Enrolling contacts"),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("contacts"),
					progressbar.OptionShowElapsedTimeOnFinish(),
					progressbar.OptionSetPredictTime(true),
					progressbar.OptionFullWidth(),
				)
			}
			_ = bar.Set(done)
		}
	}

	svc := enrollment.New(source, adapter, store, opts, nil)
	report, err := svc.Sync(ctx, ownerFlag(cmd))
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return fmt.Errorf("sync failed after %d identities: %w", report.Synced, err)
	}

	if jsonOutput {
		out := syncOutput{Synced: report.Synced, Errors: []syncErrorOutput{}}
		for _, e := range report.Errors {
			out.Errors = append(out.Errors, syncErrorOutput{ContactID: e.ContactID, Name: e.Name, Error: e.Err.Error()})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Synced %d identities\n", report.Synced)
	if len(report.Errors) > 0 {
		fmt.Printf("\n%d contacts could not be enrolled:\n", len(report.Errors))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CONTACT\tNAME\tERROR")
		fmt.Fprintln(w, "-------\t----\t-----")
		for _, e := range report.Errors {
			fmt.Fprintf(w, "%d\t%s\t%v\n", e.ContactID, e.Name, e.Err)
		}
		_ = w.Flush()
	}
	return nil
}
