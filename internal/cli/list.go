package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/storage"
)

// Execute implements the go-flags Commander interface for CandidatesCommand.
func (c *CandidatesCommand) Execute(args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	return listEntries(ctx, sess.store, ledger.KindCandidate, c.PartitionFlags, c.globals)
}

// Execute implements the go-flags Commander interface for ActivationsCommand.
func (c *ActivationsCommand) Execute(args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	return listEntries(ctx, sess.store, ledger.KindActivation, c.PartitionFlags, c.globals)
}

// loadFiltered loads the persisted entries of kind matched by pf, sorted
// by site host and partition.
func loadFiltered(ctx context.Context, store storage.Store, kind ledger.Kind, pf PartitionFlags) ([]ledger.Entry, error) {
	f, err := pf.filter()
	if err != nil {
		return nil, err
	}
	all, err := store.LoadEntries(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("load %s entries: %w", kind, err)
	}
	var out []ledger.Entry
	for _, e := range all {
		if f.Match(e.Partition) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Entry) int {
		if c := strings.Compare(a.SiteHost, b.SiteHost); c != 0 {
			return c
		}
		return strings.Compare(a.Partition.String(), b.Partition.String())
	})
	return out, nil
}

func listEntries(ctx context.Context, store storage.Store, kind ledger.Kind, pf PartitionFlags, globals *GlobalFlags) error {
	entries, err := loadFiltered(ctx, store, kind, pf)
	if err != nil {
		return err
	}

	if wantJSON(globals) {
		out := make([]entryJSON, len(entries))
		for i, e := range entries {
			out[i] = toEntryJSON(e)
		}
		return printJSON(out)
	}

	if len(entries) == 0 {
		fmt.Println("No entries.")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-30s %-20s %s", e.SiteHost, partitionLabel(e.Partition), e.Time.Local().Format("2006-01-02 15:04:05"))
		if e.Stateful {
			line += "  stateful"
		}
		fmt.Println(line)
	}
	return nil
}

// Execute implements the go-flags Commander interface for PurgedCommand.
func (c *PurgedCommand) Execute(args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	return c.executeWithStore(ctx, sess.store, time.Now())
}

func (c *PurgedCommand) executeWithStore(ctx context.Context, store storage.Store, now time.Time) error {
	since, err := parseDuration(c.Since)
	if err != nil {
		return fmt.Errorf("invalid --since: %w", err)
	}
	recs, err := store.RecentPurges(ctx, now.Add(-since), c.Limit)
	if err != nil {
		return fmt.Errorf("load purge log: %w", err)
	}

	if wantJSON(c.globals) {
		out := make([]purgeRecordJSON, len(recs))
		for i, r := range recs {
			out[i] = toPurgeRecordJSON(r)
		}
		return printJSON(out)
	}

	if len(recs) == 0 {
		fmt.Println("Nothing purged.")
		return nil
	}
	for _, r := range recs {
		status := "purged"
		switch {
		case r.Error != "":
			status = "failed: " + r.Error
		case r.DryRun:
			status = "dry run"
		}
		fmt.Printf("%s  %-30s %-20s %s\n", r.PurgeTime.Local().Format("2006-01-02 15:04:05"),
			r.SiteHost, partitionLabel(r.Partition), status)
	}
	return nil
}
