package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Status      *StatusCommand
	Candidates  *CandidatesCommand
	Activations *ActivationsCommand
	Purged      *PurgedCommand
	Inspect     *InspectCommand
	Activate    *ActivateCommand
	Replay      *ReplayCommand
	Purge       *PurgeCommand
	Prune       *PruneCommand
	Clear       *ClearCommand
	Exception   *ExceptionCommand
	Serve       *ServeCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "bounceguard"
	parser.LongDescription = "Bounce tracking protection: detects redirect trackers and purges their site data."

	cmds := &commands{
		Status:      &StatusCommand{globals: &globals, version: version},
		Candidates:  &CandidatesCommand{globals: &globals},
		Activations: &ActivationsCommand{globals: &globals},
		Purged:      &PurgedCommand{globals: &globals},
		Inspect:     &InspectCommand{globals: &globals},
		Activate:    &ActivateCommand{globals: &globals},
		Replay:      &ReplayCommand{globals: &globals},
		Purge:       &PurgeCommand{globals: &globals},
		Prune:       &PruneCommand{globals: &globals},
		Clear:       &ClearCommand{globals: &globals},
		Exception:   &ExceptionCommand{},
		Serve:       &ServeCommand{globals: &globals, version: version},
	}
	cmds.Exception.Add.globals = &globals
	cmds.Exception.Remove.globals = &globals
	cmds.Exception.List.globals = &globals

	parser.AddCommand("status", "Show protection settings and statistics", "Show protection settings, persisted state statistics, and whether the daemon is running.", cmds.Status)
	parser.AddCommand("candidates", "List bounce tracker candidates", "List persisted bounce tracker candidates, optionally for one partition.", cmds.Candidates)
	parser.AddCommand("activations", "List user activations", "List persisted user activations, optionally for one partition.", cmds.Activations)
	parser.AddCommand("purged", "List purged trackers", "List recently purged bounce trackers from the purge log.", cmds.Purged)
	parser.AddCommand("inspect", "Show the state of one site host", "Show activations, candidacy, exceptions and purge history of one site host.", cmds.Inspect)
	parser.AddCommand("activate", "Record a user activation", "Record a user activation for a URL, protecting its site from purging.", cmds.Activate)
	parser.AddCommand("replay", "Replay a browser event file", "Feed a YAML file of navigation events through the classifier and print the result.", cmds.Replay)
	parser.AddCommand("purge", "Run a purge cycle", "Run one purge cycle: clear site data of candidates past the grace period.", cmds.Purge)
	parser.AddCommand("prune", "Remove expired state", "Remove expired user activations and old purge log entries.", cmds.Prune)
	parser.AddCommand("clear", "Delete bounce tracking state", "Delete bounce tracking state by site host, time range or partition, or all of it.", cmds.Clear)
	parser.AddCommand("exception", "Manage exception hosts", "Add, remove or list site hosts that are never purged.", cmds.Exception)
	parser.AddCommand("serve", "Start the bounceguard daemon", "Start the bounceguard daemon (local HTTP API and purge timer).", cmds.Serve)

	return parser, &globals, cmds
}

// Run is the main entry point for the bounceguard CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// go-flags requires a subcommand, but --version is valid without one.
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("bounceguard %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
