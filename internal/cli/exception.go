package cli

import (
	"context"
	"fmt"
)

type exceptionJSON struct {
	SiteHost string `json:"site_host"`
	Source   string `json:"source"`
	Reason   string `json:"reason,omitempty"`
}

// Execute implements the go-flags Commander interface for ExceptionAddCommand.
func (c *ExceptionAddCommand) Execute(args []string) error {
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

	if err := svc.AddException(ctx, c.Args.Host, c.Reason); err != nil {
		return err
	}
	if wantJSON(c.globals) {
		return printJSON(map[string]any{"added": c.Args.Host})
	}
	fmt.Printf("Added exception %s.\n", c.Args.Host)
	return nil
}

// Execute implements the go-flags Commander interface for ExceptionRemoveCommand.
func (c *ExceptionRemoveCommand) Execute(args []string) error {
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

	if err := svc.RemoveException(ctx, c.Args.Host); err != nil {
		return err
	}
	if wantJSON(c.globals) {
		return printJSON(map[string]any{"removed": c.Args.Host})
	}
	fmt.Printf("Removed exception %s.\n", c.Args.Host)
	return nil
}

// Execute implements the go-flags Commander interface for ExceptionListCommand.
func (c *ExceptionListCommand) Execute(args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	added, err := sess.store.ListExceptions(ctx)
	if err != nil {
		return fmt.Errorf("list exceptions: %w", err)
	}

	out := make([]exceptionJSON, 0, len(sess.cfg.Protection.ExceptionHosts)+len(added))
	for _, h := range sess.cfg.Protection.ExceptionHosts {
		out = append(out, exceptionJSON{SiteHost: h, Source: "config"})
	}
	for _, e := range added {
		out = append(out, exceptionJSON{SiteHost: e.SiteHost, Source: "user", Reason: e.Reason})
	}

	if wantJSON(c.globals) {
		return printJSON(out)
	}
	if len(out) == 0 {
		fmt.Println("No exceptions.")
		return nil
	}
	for _, e := range out {
		line := fmt.Sprintf("%-30s %s", e.SiteHost, e.Source)
		if e.Reason != "" {
			line += "  " + e.Reason
		}
		fmt.Println(line)
	}
	return nil
}
