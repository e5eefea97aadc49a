package cli

import (
	"fmt"
	"strconv"

	"github.com/runnerr0/bounceguard/internal/ledger"
)

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file" default:""`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable verbose output"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// PartitionFlags select the container and private browsing partitions a
// command applies to. Unset flags match every partition.
type PartitionFlags struct {
	UserContextID string `long:"user-context-id" description:"Only this container (0 is the default container)"`
	Private       string `long:"private-browsing" description:"Only private (true) or normal (false) partitions"`
}

func (p PartitionFlags) filter() (ledger.Filter, error) {
	var f ledger.Filter
	if p.UserContextID != "" {
		n, err := strconv.ParseUint(p.UserContextID, 10, 32)
		if err != nil {
			return f, fmt.Errorf("invalid --user-context-id %q", p.UserContextID)
		}
		uc := uint32(n)
		f.UserContextID = &uc
	}
	if p.Private != "" {
		pb, err := strconv.ParseBool(p.Private)
		if err != nil {
			return f, fmt.Errorf("invalid --private-browsing %q", p.Private)
		}
		f.PrivateBrowsing = &pb
	}
	return f, nil
}

func (p PartitionFlags) set() bool {
	return p.UserContextID != "" || p.Private != ""
}

// StatusCommand shows protection settings and persisted state statistics.
type StatusCommand struct {
	globals *GlobalFlags
	version string
}

// CandidatesCommand lists persisted bounce tracker candidates.
type CandidatesCommand struct {
	PartitionFlags

	globals *GlobalFlags
}

// ActivationsCommand lists persisted user activations.
type ActivationsCommand struct {
	PartitionFlags

	globals *GlobalFlags
}

// PurgedCommand lists the purge log.
type PurgedCommand struct {
	Since string `long:"since" description:"Only purges newer than duration (e.g., 7d, 24h, 2w)" default:"7d"`
	Limit int    `long:"limit" description:"Maximum results" default:"20"`

	globals *GlobalFlags
}

// InspectCommand prints everything known about one site host.
type InspectCommand struct {
	Args struct {
		Host string `positional-arg-name:"host" description:"Site host or URL"`
	} `positional-args:"yes" required:"yes"`

	globals *GlobalFlags
}

// ActivateCommand records a user activation for a URL by hand.
type ActivateCommand struct {
	URL           string `long:"url" description:"Page URL the user interacted with (required)"`
	UserContextID uint32 `long:"user-context-id" description:"Container of the activation" default:"0"`

	globals *GlobalFlags
}

// ReplayCommand feeds a YAML file of browser events through the engine.
type ReplayCommand struct {
	Args struct {
		File string `positional-arg-name:"file" description:"YAML event file"`
	} `positional-args:"yes" required:"yes"`
	Persist bool `long:"persist" description:"Load and save state in the database instead of starting empty"`
	Purge   bool `long:"purge" description:"Run a purge cycle after the last event"`

	globals *GlobalFlags
}

// PurgeCommand runs one purge cycle over the persisted state.
type PurgeCommand struct {
	DryRun bool `long:"dry-run" description:"Evaluate and log purges without clearing site data"`

	globals *GlobalFlags
}

// PruneCommand removes expired activations and old purge log entries.
type PruneCommand struct {
	OlderThan string `long:"older-than" description:"Purge log retention (e.g., 30d)" default:"30d"`

	globals *GlobalFlags
}

// ClearCommand deletes bounce tracking state.
type ClearCommand struct {
	PartitionFlags
	All      bool   `long:"all" description:"Delete ALL state and purge history"`
	Force    bool   `long:"force" description:"Skip safety confirmation prompt"`
	SiteHost string `long:"site-host" description:"Only this site host or URL"`
	From     string `long:"from" description:"Only entries recorded at or after this RFC 3339 time"`
	To       string `long:"to" description:"Only entries recorded before this RFC 3339 time"`

	globals *GlobalFlags
}

// ExceptionCommand groups the exception host subcommands.
type ExceptionCommand struct {
	Add    ExceptionAddCommand    `command:"add" description:"Never purge a site host"`
	Remove ExceptionRemoveCommand `command:"remove" description:"Remove a user-added exception"`
	List   ExceptionListCommand   `command:"list" description:"List exception hosts"`
}

// ExceptionAddCommand adds an exception host.
type ExceptionAddCommand struct {
	Args struct {
		Host string `positional-arg-name:"host" description:"Site host or URL"`
	} `positional-args:"yes" required:"yes"`
	Reason string `long:"reason" description:"Why the host is exempt"`

	globals *GlobalFlags
}

// ExceptionRemoveCommand removes an exception host.
type ExceptionRemoveCommand struct {
	Args struct {
		Host string `positional-arg-name:"host" description:"Site host or URL"`
	} `positional-args:"yes" required:"yes"`

	globals *GlobalFlags
}

// ExceptionListCommand lists exception hosts.
type ExceptionListCommand struct {
	globals *GlobalFlags
}

// ServeCommand runs the protection engine behind the local HTTP API.
type ServeCommand struct {
	Host     string `long:"host" description:"Override listen host"`
	Port     int    `long:"port" description:"Override listen port"`
	LogLevel string `long:"log-level" description:"Override log level"`

	globals *GlobalFlags
	version string
}
