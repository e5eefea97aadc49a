package cli

import (
	"context"
	"fmt"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/purge"
)

type purgeReportJSON struct {
	Mode               string            `json:"mode"`
	ExpiredActivations int               `json:"expired_activations"`
	Legitimized        int               `json:"legitimized"`
	Excepted           int               `json:"excepted"`
	Waiting            int               `json:"waiting"`
	Purged             []purgeRecordJSON `json:"purged"`
	Failed             []purgeRecordJSON `json:"failed"`
}

// Execute implements the go-flags Commander interface for PurgeCommand.
func (c *PurgeCommand) Execute(args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	if c.DryRun {
		sess.cfg.Protection.Mode = config.ModeDryRun
	}

	svc, err := sess.service(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.RunPurge(ctx)
	if err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}
	return c.printReport(svc.Mode(), report)
}

func (c *PurgeCommand) printReport(mode config.Mode, report *purge.Report) error {
	if wantJSON(c.globals) {
		out := purgeReportJSON{
			Mode:               string(mode),
			ExpiredActivations: report.ExpiredActivations,
			Legitimized:        report.Legitimized,
			Excepted:           report.Excepted,
			Waiting:            report.Waiting,
			Purged:             make([]purgeRecordJSON, len(report.Purged)),
			Failed:             make([]purgeRecordJSON, len(report.Failed)),
		}
		for i, r := range report.Purged {
			out.Purged[i] = toPurgeRecordJSON(r)
		}
		for i, r := range report.Failed {
			out.Failed[i] = toPurgeRecordJSON(r)
		}
		return printJSON(out)
	}

	switch mode {
	case config.ModeDisabled:
		fmt.Println("Protection is disabled, nothing to do.")
		return nil
	case config.ModeStandby:
		fmt.Println("Standby mode: candidates are kept, nothing is cleared.")
	case config.ModeDryRun:
		fmt.Println("Dry run: no site data is cleared.")
	}

	for _, r := range report.Purged {
		fmt.Printf("purged  %-30s %s\n", r.SiteHost, partitionLabel(r.Partition))
	}
	for _, r := range report.Failed {
		fmt.Printf("failed  %-30s %s: %s\n", r.SiteHost, partitionLabel(r.Partition), r.Error)
	}
	fmt.Printf("Purged %d, failed %d, waiting %d, legitimized %d, excepted %d, expired activations %d.\n",
		len(report.Purged), len(report.Failed), report.Waiting, report.Legitimized, report.Excepted, report.ExpiredActivations)
	return nil
}
