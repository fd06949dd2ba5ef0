package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/recall/internal/config"
	"github.com/kozaktomas/recall/internal/enrollment"
)

var forgetCmd = &cobra.Command{
	Use:   "forget <contact-id>...",
	Short: "Remove the identities of deleted or deactivated contacts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runForget,
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}

func runForget(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid contact id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}

	cfg := config.Load()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := enrollment.New(nil, nil, store, enrollment.Options{}, nil)
	removed, err := svc.Forget(ctx, ids...)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d of %d identities\n", removed, len(ids))
	return nil
}
