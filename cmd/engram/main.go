package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/compress"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/manager"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
	"github.com/engramdev/engram/internal/retrieval"
	"github.com/engramdev/engram/internal/store"
	"github.com/engramdev/engram/internal/vector"
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "engram - agent memory engine",
}

var addCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Store a memory directly",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [message]",
	Short: "Run the extraction pipeline over a message and commit the plan",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Hybrid search over visible memories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Fetch a memory by id, following redirects",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show the change log for a memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the stored population",
	RunE:  runStats,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run lifecycle maintenance now",
	RunE:  runSweep,
}

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Run a compression sweep now",
	RunE:  runCompress,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file",
	RunE:  runOnboard,
}

var (
	agentFlag      string
	userFlag       string
	sessionFlag    string
	typeFlag       string
	importanceFlag float64
	topKFlag       int
	strategyFlag   string
	searchTypeFlag string
	minScoreFlag   float64
	approveFlag    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "Agent id for the scope")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "User id for the scope")
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "Session id for the scope")

	addCmd.Flags().StringVar(&typeFlag, "type", "semantic", "Memory type (semantic|episodic|procedural|working)")
	addCmd.Flags().Float64Var(&importanceFlag, "importance", 0.5, "Base importance in [0,1]")
	ingestCmd.Flags().BoolVar(&approveFlag, "approve", false, "Commit decisions that require confirmation")
	searchCmd.Flags().IntVar(&topKFlag, "top-k", -1, "Maximum results (-1 for the configured default, 0 for none)")
	searchCmd.Flags().StringVar(&strategyFlag, "strategy", "similarity", "Rerank strategy (similarity|diversity|mmr)")
	searchCmd.Flags().StringVar(&searchTypeFlag, "search-type", "hybrid", "Search type (lexical|vector|hybrid|semantic)")
	searchCmd.Flags().Float64Var(&minScoreFlag, "min-score", 0, "Drop results scoring below this")
	compressCmd.Flags().StringVar(&strategyFlag, "strategy", "adaptive", "Compression strategy (importance|semantic|temporal|adaptive)")

	rootCmd.AddCommand(addCmd, ingestCmd, searchCmd, getCmd, historyCmd,
		statsCmd, sweepCmd, compressCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func scopeFromFlags() (model.Scope, error) {
	switch {
	case sessionFlag != "":
		if agentFlag == "" || userFlag == "" {
			return model.Scope{}, fmt.Errorf("--session requires --agent and --user")
		}
		return model.SessionScope(agentFlag, userFlag, sessionFlag), nil
	case userFlag != "":
		if agentFlag == "" {
			return model.Scope{}, fmt.Errorf("--user requires --agent")
		}
		return model.UserScope(agentFlag, userFlag), nil
	case agentFlag != "":
		return model.AgentScope(agentFlag), nil
	default:
		return model.GlobalScope(), nil
	}
}

// openManager wires the engine from the on-disk config.
func openManager() (*manager.Manager, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	caps := manager.Capabilities{Index: vector.NewChromemIndex()}
	if cfg.Reasoner.APIKey != "" {
		switch cfg.Reasoner.Type {
		case "openai":
			caps.Reasoner = provider.NewOpenAIReasoner(cfg.Reasoner)
		default:
			caps.Reasoner = provider.NewAnthropicReasoner(cfg.Reasoner)
		}
	}
	if cfg.Embedder.APIKey != "" {
		caps.Embedder = provider.NewOpenAIEmbedder(cfg.Embedder)
	}

	return manager.New(cfg, s, caps)
}

func runAdd(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	mem, err := mgr.Add(context.Background(), scope, strings.Join(args, " "), manager.AddOptions{
		Type:       model.MemoryType(typeFlag),
		Importance: importanceFlag,
	})
	if err != nil {
		return err
	}
	fmt.Printf("stored %s (importance %.2f)\n", mem.ID, mem.Importance)
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	result, err := mgr.Ingest(context.Background(), scope, []model.Message{
		{Role: "user", Content: strings.Join(args, " ")},
	}, manager.IngestOptions{AutoApprove: approveFlag})
	if err != nil {
		return err
	}

	fmt.Printf("extracted %d facts, %d conflicts\n", len(result.Outcome.Facts), len(result.Outcome.Conflicts))
	for _, id := range result.CommittedIDs {
		fmt.Printf("  committed %s\n", id)
	}
	for _, d := range result.Pending {
		fmt.Printf("  pending (%s): %s\n", d.Action, d.Reasoning)
	}
	if result.Skipped > 0 {
		fmt.Printf("  skipped %d no-op decisions\n", result.Skipped)
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	results, err := mgr.Search(context.Background(), scope, strings.Join(args, " "), manager.SearchOptions{
		TopK:     topKFlag,
		Type:     retrieval.SearchType(searchTypeFlag),
		Strategy: retrieval.Strategy(strategyFlag),
		MinScore: minScoreFlag,
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%2d. [%.3f %s] %s  %s\n", i+1, r.Score, r.Match, r.Memory.ID, r.Memory.Content)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	mem, err := mgr.Get(context.Background(), scope, args[0])
	if err != nil {
		return err
	}
	data, _ := json.MarshalIndent(mem, "", "  ")
	fmt.Println(string(data))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	entries, err := mgr.History(context.Background(), args[0])
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("v%d %s %s\n", e.Version, e.Timestamp.Format("2006-01-02 15:04:05"), e.Kind)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	stats, err := mgr.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Active: %d\n", stats.TotalActive)
	fmt.Printf("Retired: %d\n", stats.TotalRetired)
	fmt.Printf("History entries: %d\n", stats.HistoryEntries)
	fmt.Printf("Average importance: %.3f\n", stats.AverageImportance)
	for typ, n := range stats.ByType {
		fmt.Printf("  type %s: %d\n", typ, n)
	}
	for level, n := range stats.ByLevel {
		fmt.Printf("  level %s: %d\n", level, n)
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	report, err := mgr.Sweep(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("expired=%d deprecated=%d policy=%d pruned=%d\n",
		report.Expired, report.Deprecated, report.PolicyActions, report.HistoryPruned)
	return nil
}

func runCompress(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	report, err := mgr.Compress(context.Background(), compress.Strategy(strategyFlag))
	if err != nil {
		return err
	}
	fmt.Printf("examined=%d clusters=%d merged=%d rewritten=%d skipped=%d\n",
		report.Examined, report.Clusters, report.Merged, report.Rewritten, report.Skipped)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set API keys\n", cfgPath)
	fmt.Println("  2. Or set ANTHROPIC_API_KEY / OPENAI_API_KEY")
	fmt.Println("  3. Run 'engram add \"I prefer dark mode\"' to test")
	return nil
}
