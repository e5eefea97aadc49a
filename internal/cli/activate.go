package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/protection"
)

// Execute implements the go-flags Commander interface for ActivateCommand.
func (c *ActivateCommand) Execute(args []string) error {
	if c.URL == "" {
		return fmt.Errorf("--url is required for activate command")
	}
	if !strings.Contains(c.URL, "://") {
		return fmt.Errorf("invalid URL: %s", c.URL)
	}

	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	if sess.cfg.Protection.Mode == config.ModeDisabled {
		return fmt.Errorf("protection is disabled, nothing recorded")
	}
	siteHost, err := normalizeInput(sess.cfg, c.URL)
	if err != nil {
		return err
	}

	svc, err := sess.service(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	now := time.Now()
	svc.OnUserActivation(protection.PageEvent{
		URL:           c.URL,
		Time:          now,
		UserContextID: c.UserContextID,
	})

	if wantJSON(c.globals) {
		return printJSON(map[string]any{
			"site_host":       siteHost,
			"user_context_id": c.UserContextID,
			"time":            now.UTC().Format(time.RFC3339),
		})
	}
	fmt.Printf("Recorded user activation for %s.\n", siteHost)
	return nil
}
