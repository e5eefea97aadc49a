package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/purge"
	"github.com/runnerr0/bounceguard/internal/sitehost"
	"github.com/runnerr0/bounceguard/internal/storage"
)

const inspectHistoryLimit = 1000

type inspectJSON struct {
	SiteHost    string            `json:"site_host"`
	Excepted    bool              `json:"excepted"`
	Activations []entryJSON       `json:"activations"`
	Candidates  []entryJSON       `json:"candidates"`
	Purges      []purgeRecordJSON `json:"purges"`
}

// Execute implements the go-flags Commander interface for InspectCommand.
func (c *InspectCommand) Execute(args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	return c.executeWithStore(ctx, sess.cfg, sess.store)
}

func (c *InspectCommand) executeWithStore(ctx context.Context, cfg *config.Config, store storage.Store) error {
	host, err := normalizeInput(cfg, c.Args.Host)
	if err != nil {
		return err
	}

	activations, err := entriesFor(ctx, store, ledger.KindActivation, host)
	if err != nil {
		return err
	}
	candidates, err := entriesFor(ctx, store, ledger.KindCandidate, host)
	if err != nil {
		return err
	}
	recs, err := store.RecentPurges(ctx, time.Time{}, inspectHistoryLimit)
	if err != nil {
		return fmt.Errorf("load purge log: %w", err)
	}
	var purges []storage.PurgeRecord
	for _, r := range recs {
		if r.SiteHost == host {
			purges = append(purges, r)
		}
	}
	excepted, err := isExcepted(ctx, cfg, store, host)
	if err != nil {
		return err
	}

	if wantJSON(c.globals) {
		out := inspectJSON{
			SiteHost:    host,
			Excepted:    excepted,
			Activations: make([]entryJSON, len(activations)),
			Candidates:  make([]entryJSON, len(candidates)),
			Purges:      make([]purgeRecordJSON, len(purges)),
		}
		for i, e := range activations {
			out.Activations[i] = toEntryJSON(e)
		}
		for i, e := range candidates {
			out.Candidates[i] = toEntryJSON(e)
		}
		for i, r := range purges {
			out.Purges[i] = toPurgeRecordJSON(r)
		}
		return printJSON(out)
	}

	fmt.Println(host)
	fmt.Printf("Exception:   %t\n", excepted)
	fmt.Println()
	fmt.Println("--- Activations ---")
	printEntryLines(activations)
	fmt.Println("--- Candidate ---")
	printEntryLines(candidates)
	fmt.Println("--- Purges ---")
	if len(purges) == 0 {
		fmt.Println("none")
	}
	for _, r := range purges {
		line := fmt.Sprintf("%-20s bounced %s, purged %s", partitionLabel(r.Partition),
			r.BounceTime.Local().Format("2006-01-02 15:04:05"), r.PurgeTime.Local().Format("2006-01-02 15:04:05"))
		if r.Error != "" {
			line += " (failed: " + r.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func printEntryLines(entries []ledger.Entry) {
	if len(entries) == 0 {
		fmt.Println("none")
		return
	}
	for _, e := range entries {
		fmt.Printf("%-20s %s\n", partitionLabel(e.Partition), e.Time.Local().Format("2006-01-02 15:04:05"))
	}
}

func entriesFor(ctx context.Context, store storage.Store, kind ledger.Kind, host string) ([]ledger.Entry, error) {
	all, err := loadFiltered(ctx, store, kind, PartitionFlags{})
	if err != nil {
		return nil, err
	}
	var out []ledger.Entry
	for _, e := range all {
		if e.SiteHost == host {
			out = append(out, e)
		}
	}
	return out, nil
}

// isExcepted checks host against the configured and user-added exceptions.
func isExcepted(ctx context.Context, cfg *config.Config, store storage.Store, host string) (bool, error) {
	ex := purge.NewExceptions(cfg.Protection.ExceptionHosts...)
	added, err := store.ListExceptions(ctx)
	if err != nil {
		return false, fmt.Errorf("list exceptions: %w", err)
	}
	for _, e := range added {
		ex.Add(e.SiteHost)
	}
	return ex.Contains(host), nil
}

// normalizeInput turns a URL or bare host typed by the user into a site
// host the way the engine does.
func normalizeInput(cfg *config.Config, input string) (string, error) {
	n := sitehost.Normalizer{ReduceToSite: cfg.Protection.ReduceToSite}
	var (
		host string
		err  error
	)
	if strings.Contains(input, "://") {
		host, err = n.FromURL(input)
	} else {
		host, err = n.FromHost(input)
	}
	if err != nil {
		return "", fmt.Errorf("invalid site host %q: %w", input, err)
	}
	return host, nil
}
