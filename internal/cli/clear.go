package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// confirmInput is where the clear --all confirmation is read from.
var confirmInput io.Reader = os.Stdin

// Execute implements the go-flags Commander interface for ClearCommand.
func (c *ClearCommand) Execute(args []string) error {
	if !c.All && c.SiteHost == "" && c.From == "" && c.To == "" && !c.PartitionFlags.set() {
		return fmt.Errorf("clear requires --all, --site-host, --from/--to or a partition flag")
	}
	if c.All && (c.SiteHost != "" || c.From != "" || c.To != "" || c.PartitionFlags.set()) {
		return fmt.Errorf("--all cannot be combined with other selectors")
	}
	f, err := c.PartitionFlags.filter()
	if err != nil {
		return err
	}
	var from, to time.Time
	if c.From != "" {
		if from, err = time.Parse(time.RFC3339, c.From); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}
	if c.To != "" {
		if to, err = time.Parse(time.RFC3339, c.To); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	if c.All && !c.Force {
		if err := confirmClearAll(); err != nil {
			return err
		}
	}

	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	svc, err := sess.service(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	var what string
	switch {
	case c.All:
		err = svc.ClearAll(ctx)
		what = "all bounce tracking state"
	case c.SiteHost != "":
		err = svc.ClearBySiteHost(ctx, c.SiteHost, f)
		what = "state of " + c.SiteHost
	case c.From != "" || c.To != "":
		err = svc.ClearByTimeRange(ctx, from, to)
		what = "state recorded in the time range"
	default:
		err = svc.ClearByFilter(ctx, f)
		what = "state of the selected partitions"
	}
	if err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}

	if wantJSON(c.globals) {
		return printJSON(map[string]any{
			"cleared": true,
			"message": "cleared " + what,
		})
	}
	fmt.Printf("Cleared %s.\n", what)
	return nil
}

func confirmClearAll() error {
	fmt.Println("⚠ WARNING: This will permanently delete ALL bounce tracking state.")
	fmt.Println("  - All user activations")
	fmt.Println("  - All bounce tracker candidates")
	fmt.Println("  - The purge history")
	fmt.Println()
	fmt.Println("Exception hosts are kept. This action cannot be undone.")
	fmt.Println()
	fmt.Print(`Type "CLEAR" to confirm: `)

	scanner := bufio.NewScanner(confirmInput)
	if !scanner.Scan() {
		return fmt.Errorf("aborted: no input received")
	}
	if strings.TrimSpace(scanner.Text()) != "CLEAR" {
		return fmt.Errorf("aborted: confirmation text did not match")
	}
	return nil
}
