package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/obstack/upctl/pkg/backup"
	"github.com/obstack/upctl/pkg/config"
	"github.com/obstack/upctl/pkg/events"
	"github.com/obstack/upctl/pkg/executor"
	"github.com/obstack/upctl/pkg/log"
	"github.com/obstack/upctl/pkg/metrics"
	"github.com/obstack/upctl/pkg/orchestrator"
	"github.com/obstack/upctl/pkg/state"
	"github.com/obstack/upctl/pkg/types"
	"github.com/obstack/upctl/pkg/version"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "upctl",
	Short: "upctl - Upgrade orchestration for a single-host observability fleet",
	Long: `upctl drives upgrades and rollbacks for the metrics agents, log agents
and time-series database running on this host.

Every run is planned from a declarative component manifest, protected by an
exclusive host lock, backed up before any mutation, health-gated after
activation, and rolled back automatically when the health gate fails.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			go func() {
				if err := metrics.Serve(addr); err != nil {
					log.Logger.Warn().Err(err).Str("addr", addr).Msg("metrics endpoint stopped")
				}
			}()
		}
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"upctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("manifest", "/etc/upctl/manifest.yaml", "Component manifest file")
	pf.String("policy", "/etc/upctl/policy.yaml", "Upgrade policy file")
	pf.String("data-dir", "/var/lib/upctl", "State, cache and backup directory")
	pf.String("log-level", "info", "Log level (debug|info|warn|error)")
	pf.Bool("log-json", false, "Emit structured JSON logs")
	pf.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9477)")
}

// runtime bundles the long-lived pieces a command needs. Every command builds
// one, uses it, and closes it.
type runtime struct {
	manifest *config.Manifest
	policy   types.Policy
	store    *state.Store
	backups  *backup.Manager
	cache    version.Cache
	resolver *version.Resolver
	orch     *orchestrator.Orchestrator
	broker   *events.Broker
	eventSub events.Subscriber
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	manifestPath, _ := cmd.Flags().GetString("manifest")
	policyPath, _ := cmd.Flags().GetString("policy")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	policy, err := config.LoadPolicy(policyPath)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(dataDir)
	if err != nil {
		return nil, err
	}
	backups, err := backup.NewManager(filepath.Join(dataDir, "backups"))
	if err != nil {
		store.Close()
		return nil, err
	}
	cache, err := version.NewBoltCache(dataDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	resolver := version.NewResolver(version.NewHTTPReleaseSource(), cache, policy.CacheTTL.Std())
	if overrides, _ := cmd.Flags().GetStringArray("override"); len(overrides) > 0 {
		for _, o := range overrides {
			name, ver, ok := strings.Cut(o, "=")
			if !ok {
				cache.Close()
				store.Close()
				return nil, fmt.Errorf("invalid --override %q, expected name=version", o)
			}
			if err := resolver.Override(name, ver); err != nil {
				cache.Close()
				store.Close()
				return nil, err
			}
		}
	}

	broker := events.NewBroker()
	broker.Start()
	sub := logEvents(broker)

	exec := executor.New(executor.Config{
		Store:      store,
		Backups:    backups,
		Installer:  executor.NewHTTPInstaller(filepath.Join(dataDir, "staging")),
		Supervisor: executor.NewSystemdSupervisor(),
		Broker:     broker,
		Policy:     policy,
		Lookup:     manifest.Component,
	})

	orch := orchestrator.New(orchestrator.Config{
		Manifest: manifest,
		Policy:   policy,
		Resolver: resolver,
		Executor: exec,
		Store:    store,
		Backups:  backups,
		Broker:   broker,
	})

	return &runtime{
		manifest: manifest,
		policy:   policy,
		store:    store,
		backups:  backups,
		cache:    cache,
		resolver: resolver,
		orch:     orch,
		broker:   broker,
		eventSub: sub,
	}, nil
}

func (r *runtime) close() {
	r.broker.Stop()
	r.broker.Unsubscribe(r.eventSub)
	r.cache.Close()
	r.store.Close()
}

// logEvents mirrors lifecycle events onto the debug log
func logEvents(broker *events.Broker) events.Subscriber {
	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			log.Logger.Debug().
				Str("event", string(ev.Type)).
				Str("message", ev.Message).
				Fields(map[string]interface{}{"metadata": ev.Metadata}).
				Msg("lifecycle event")
		}
	}()
	return sub
}
