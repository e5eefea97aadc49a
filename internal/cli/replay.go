package cli

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runnerr0/bounceguard/internal/classifier"
	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/protection"
)

// replayFile is the YAML format read by the replay command:
//
//	start: 2025-03-01T12:00:00Z
//	events:
//	  - type: navigation
//	    tab_id: "1"
//	    kind: start_navigation
//	    user_gesture: true
//	  - type: activation
//	    tab_id: "1"
//	    url: https://example.com/
//	  - type: wait
//	    after: 2h
type replayFile struct {
	Start  time.Time     `yaml:"start"`
	Events []replayEvent `yaml:"events"`
}

type replayEvent struct {
	Type            string          `yaml:"type"`
	After           time.Duration   `yaml:"after"`
	TabID           string          `yaml:"tab_id"`
	Kind            classifier.Kind `yaml:"kind"`
	URL             string          `yaml:"url"`
	UserGesture     bool            `yaml:"user_gesture"`
	UserContextID   uint32          `yaml:"user_context_id"`
	PrivateBrowsing bool            `yaml:"private_browsing"`
}

// replayClock is the simulated time of a replay; events advance it.
type replayClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *replayClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type replayJSON struct {
	Events      int               `json:"events"`
	Candidates  []entryJSON       `json:"candidates"`
	Activations []entryJSON       `json:"activations"`
	Purged      []purgeRecordJSON `json:"purged"`
}

func loadReplayFile(path string) (*replayFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	var f replayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse replay file %s: %w", path, err)
	}
	return &f, nil
}

// Execute implements the go-flags Commander interface for ReplayCommand.
func (c *ReplayCommand) Execute(args []string) error {
	f, err := loadReplayFile(c.Args.File)
	if err != nil {
		return err
	}

	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	return c.replay(ctx, sess, f)
}

// replay runs f against a service that never clears real site data: an
// enabled configuration is downgraded to dry_run.
func (c *ReplayCommand) replay(ctx context.Context, sess *session, f *replayFile) error {
	cfg := *sess.cfg
	if cfg.Protection.Mode == config.ModeEnabled {
		cfg.Protection.Mode = config.ModeDryRun
	}

	start := f.Start
	if start.IsZero() {
		start = time.Now()
	}
	clock := &replayClock{t: start}

	opts := []protection.Option{
		protection.WithLogger(sess.logger),
		protection.WithClock(clock.Now),
	}
	if c.Persist {
		opts = append(opts, protection.WithStore(sess.store))
	}
	svc, err := protection.New(ctx, &cfg, opts...)
	if err != nil {
		return fmt.Errorf("start protection: %w", err)
	}
	defer svc.Close()

	for i, ev := range f.Events {
		if err := applyReplayEvent(svc, clock, ev); err != nil {
			return fmt.Errorf("event %d: %w", i+1, err)
		}
	}
	if c.Purge {
		if _, err := svc.RunPurge(ctx); err != nil {
			return fmt.Errorf("purge: %w", err)
		}
	}
	if err := svc.Close(); err != nil {
		return err
	}

	all := ledger.Filter{}
	candidates := svc.Candidates(all)
	activations := svc.Activations(all)
	purged := svc.RecentlyPurged(all)

	if wantJSON(c.globals) {
		out := replayJSON{
			Events:      len(f.Events),
			Candidates:  make([]entryJSON, len(candidates)),
			Activations: make([]entryJSON, len(activations)),
			Purged:      make([]purgeRecordJSON, len(purged)),
		}
		for i, e := range candidates {
			out.Candidates[i] = toEntryJSON(e)
		}
		for i, e := range activations {
			out.Activations[i] = toEntryJSON(e)
		}
		for i, r := range purged {
			out.Purged[i] = toPurgeRecordJSON(r)
		}
		return printJSON(out)
	}

	fmt.Printf("Replayed %d events.\n", len(f.Events))
	fmt.Println()
	fmt.Println("Candidates:")
	printReplayEntries(candidates)
	fmt.Println("Activations:")
	printReplayEntries(activations)
	fmt.Println("Purged:")
	if len(purged) == 0 {
		fmt.Println("  none")
	}
	for _, r := range purged {
		fmt.Printf("  %-30s %s\n", r.SiteHost, partitionLabel(r.Partition))
	}
	return nil
}

func printReplayEntries(entries []ledger.Entry) {
	if len(entries) == 0 {
		fmt.Println("  none")
		return
	}
	for _, e := range entries {
		fmt.Printf("  %-30s %s\n", e.SiteHost, partitionLabel(e.Partition))
	}
}

func applyReplayEvent(svc *protection.Service, clock *replayClock, ev replayEvent) error {
	if ev.After < 0 {
		return fmt.Errorf("negative after %s", ev.After)
	}
	at := clock.advance(ev.After)

	page := protection.PageEvent{
		TabID:           ev.TabID,
		URL:             ev.URL,
		Time:            at,
		UserContextID:   ev.UserContextID,
		PrivateBrowsing: ev.PrivateBrowsing,
	}
	switch ev.Type {
	case "navigation":
		return svc.OnNavigationEvent(protection.NavigationEvent{
			TabID:           ev.TabID,
			Kind:            ev.Kind,
			URL:             ev.URL,
			UserGesture:     ev.UserGesture,
			Time:            at,
			UserContextID:   ev.UserContextID,
			PrivateBrowsing: ev.PrivateBrowsing,
		})
	case "activation":
		svc.OnUserActivation(page)
	case "storage_access":
		if ev.TabID == "" {
			return fmt.Errorf("%w: storage_access needs tab_id", protection.ErrInvalidEvent)
		}
		svc.OnStorageAccess(page)
	case "close_tab":
		svc.CloseTab(ev.TabID)
	case "wait":
	default:
		return fmt.Errorf("%w: unknown type %q", protection.ErrInvalidEvent, ev.Type)
	}
	return nil
}
