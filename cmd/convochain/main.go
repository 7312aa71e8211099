// convochain is the command-line interface for the conversation
// ledger. It operates on a local store (a directory of per-agent JSON
// logs, or a SQLite database when the path ends in .db) and covers the
// full integrity lifecycle: append, verify, report, rebuild, migrate.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/convochain/convochain/internal/conversation"
	"github.com/convochain/convochain/internal/integrity"
	"github.com/convochain/convochain/internal/logstore"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	storePath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "convochain",
	Short: "Tamper-evident conversation ledger CLI",
	Long: `convochain manages hash-chained conversation logs.

Every logged message is chained to its predecessor with salted SHA-256
digests, so any retroactive edit of a stored log is detectable. Use
"verify" to check a log, "report" for the full audit view, "rebuild"
after a legitimate edit, and "migrate" to chain a legacy log.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.convochain")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if storePath == "" {
			storePath = viper.GetString("store_path")
		}
		if storePath == "" {
			storePath = "logs"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.convochain/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "log store: a directory of JSON logs, or a .db SQLite file (default \"logs\")")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// newService opens the configured store and builds the service around
// it. The optional CONVOCHAIN_GLOBAL_SALT / global_salt config key
// enables the one-shared-secret deployment mode.
func newService() (*conversation.Service, func(), error) {
	var (
		store logstore.Store
		err   error
	)
	if strings.HasSuffix(storePath, ".db") {
		store, err = logstore.NewSQLiteStore(storePath)
	} else {
		store, err = logstore.NewFileStore(storePath, zap.NewNop())
	}
	if err != nil {
		return nil, nil, err
	}

	reg := integrity.NewRegistry(viper.GetString("global_salt"))
	svc := conversation.New(store, reg, zap.NewNop())
	return svc, func() { _ = store.Close() }, nil
}

// ── list ─────────────────────────────────────────────────────────────

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents with stored conversation logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := newService()
		if err != nil {
			return err
		}
		defer done()

		agents, err := svc.ListAgents(context.Background())
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("no agent logs found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tBLOCKS\tINTACT")
		for _, id := range agents {
			rep, err := svc.Report(context.Background(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\t%v\n", id, rep.Metadata.TotalBlocks, rep.Valid)
		}
		return w.Flush()
	},
}

// ── append ───────────────────────────────────────────────────────────

var (
	appendRole      string
	appendTimestamp string
)

var appendCmd = &cobra.Command{
	Use:   "append <agent> <content>",
	Short: "Append a message to an agent's chain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := newService()
		if err != nil {
			return err
		}
		defer done()

		block, err := svc.AppendMessage(context.Background(),
			args[0], integrity.Role(appendRole), args[1], appendTimestamp)
		if err != nil {
			return err
		}
		fmt.Printf("appended block %d (chain hash %s)\n",
			block.Chain.BlockIndex, block.Chain.CurrentHash[:16])
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendRole, "role", "operator", "Message role: operator or agent")
	appendCmd.Flags().StringVar(&appendTimestamp, "timestamp", "", "Timestamp token (default: current UTC time)")
}

// ── verify ───────────────────────────────────────────────────────────

var verifyAll bool

var verifyCmd = &cobra.Command{
	Use:   "verify [agent]",
	Short: "Verify the hash chain of one agent's log, or all logs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := newService()
		if err != nil {
			return err
		}
		defer done()

		ctx := context.Background()
		if verifyAll {
			results, err := svc.VerifyAll(ctx)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				printVerify(r.AgentID, r.Valid, r.Errors)
				if !r.Valid {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d agent logs failed verification", failed, len(results))
			}
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("specify an agent or use --all")
		}
		valid, verrs, err := svc.VerifyAgent(ctx, args[0])
		if err != nil {
			return err
		}
		printVerify(args[0], valid, verrs)
		if !valid {
			return fmt.Errorf("verification failed")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "Verify every stored agent log")
}

func printVerify(agentID string, valid bool, verrs []integrity.VerifyError) {
	if valid {
		fmt.Printf("%s: chain intact\n", agentID)
		return
	}
	fmt.Printf("%s: TAMPERING DETECTED (%d findings)\n", agentID, len(verrs))
	for _, e := range verrs {
		fmt.Printf("  block %d: %s: %s\n", e.Index, e.Kind, e.Detail)
	}
}

// ── report ───────────────────────────────────────────────────────────

var reportFormat string

var reportCmd = &cobra.Command{
	Use:   "report <agent>",
	Short: "Print the full integrity report for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := newService()
		if err != nil {
			return err
		}
		defer done()

		rep, err := svc.Report(context.Background(), args[0])
		if err != nil {
			return err
		}

		if reportFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}

		fmt.Printf("report %s for agent %s at %s\n", rep.ReportID, rep.AgentID, rep.VerifiedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Printf("  blocks:  %d\n", rep.Metadata.TotalBlocks)
		fmt.Printf("  genesis: %s\n", rep.Metadata.GenesisHash)
		fmt.Printf("  tip:     %s\n", rep.Metadata.LastHash)
		if rep.Valid {
			fmt.Println("  status:  intact")
			return nil
		}
		fmt.Printf("  status:  TAMPERED (%d findings)\n", len(rep.Errors))
		for _, e := range rep.Errors {
			fmt.Printf("    block %d: %s: %s\n", e.Index, e.Kind, e.Detail)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFormat, "format", "text", "Output format: text or json")
}

// ── rebuild ──────────────────────────────────────────────────────────

var rebuildFrom int

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <agent>",
	Short: "Regenerate an agent's chain suffix after a legitimate edit",
	Long: `Rebuild discards and regenerates every hash from --from onward,
re-deriving the chain from the stored content fields.

This rewrites recorded history. Run it only after reviewing a failed
verification and deciding the stored content is trustworthy.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := newService()
		if err != nil {
			return err
		}
		defer done()

		rebuilt, err := svc.RebuildAgent(context.Background(), args[0], rebuildFrom)
		if err != nil {
			return err
		}
		fmt.Printf("rebuilt %s from block %d (%d blocks total)\n", args[0], rebuildFrom, len(rebuilt))
		return nil
	},
}

func init() {
	rebuildCmd.Flags().IntVar(&rebuildFrom, "from", 0, "Block index to rebuild from")
}

// ── migrate ──────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate <agent>",
	Short: "Retroactively chain a legacy log that lacks integrity metadata",
	Long: `Migrate replays a legacy log through the chain in recorded order,
stamping every record with hashes. Entries that already carry chain
metadata pass through unchanged.

Migration establishes a new trust baseline: it cannot detect edits made
before the log was migrated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := newService()
		if err != nil {
			return err
		}
		defer done()

		n, err := svc.MigrateAgent(context.Background(), args[0])
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Printf("%s: already migrated\n", args[0])
			return nil
		}
		fmt.Printf("%s: %d records migrated\n", args[0], n)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the convochain version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("convochain", version)
	},
}
