package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ashureev/askbi/internal/config"
	"github.com/ashureev/askbi/internal/engine"
	"github.com/ashureev/askbi/internal/identity"
	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/query"
	"github.com/ashureev/askbi/internal/schema"
	"github.com/ashureev/askbi/internal/session"
	"github.com/ashureev/askbi/internal/sqlgen"
	"github.com/ashureev/askbi/internal/store"
	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question and print the SQL and rows as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the flattened schema of the analytical store",
	RunE:  runSchema,
}

var pruneCmd = &cobra.Command{
	Use:   "prune-history",
	Short: "Delete archived chats from the history database",
	RunE:  runPrune,
}

func init() {
	rootCmd.AddCommand(askCmd, schemaCmd, pruneCmd)

	askCmd.Flags().Bool("persist", false, "Save the exchange to the history database")
	pruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Delete archived chats not updated within this window")
}

func openAnalytics(cfg *config.Config) (*query.DB, *schema.Cache, error) {
	db, err := query.OpenDB(cfg.Analytics.DBPath)
	if err != nil {
		return nil, nil, err
	}
	cache := schema.NewCache(db, schema.FileMarker(cfg.Analytics.DBPath), schema.Dialect(cfg.Analytics.Dialect))
	return db, cache, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, cache, err := openAnalytics(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	completer, err := llm.New(cfg.LLM.Provider, cfg.APIKey())
	if err != nil {
		return err
	}
	policy, err := sqlgen.LoadPolicy(cfg.StarHintPath, cfg.ConstraintsPath)
	if err != nil {
		return err
	}

	deps := engine.Deps{
		LLM:      completer,
		Sessions: session.NewManager(cfg.Session.TTL),
		Schema:   cache,
		Source:   db,
	}
	if persist, _ := cmd.Flags().GetBool("persist"); persist {
		repo, err := store.NewSQLite(cfg.HistoryDBPath)
		if err != nil {
			return err
		}
		defer repo.Close()
		deps.Store = repo
	}

	eng := engine.New(engine.Config{
		ChatModel:         cfg.LLM.ChatModel,
		PlannerModel:      cfg.LLM.PlannerModel,
		BuilderModel:      cfg.LLM.BuilderModel,
		SummarizerModel:   cfg.LLM.SummarizerModel,
		Dialect:           schema.Dialect(cfg.Analytics.Dialect),
		Policy:            policy,
		MaxRepairAttempts: cfg.Pipeline.MaxRepairAttempts,
		CacheSampleRows:   cfg.Pipeline.CacheSampleRows,
		LastDataRowLimit:  cfg.Pipeline.LastDataRowLimit,
		HistoryLimit:      cfg.Session.HistoryLimit,
		CompactChunk:      cfg.Session.CompactChunk,
	}, deps)

	if err := cache.Refresh(cmd.Context()); err != nil {
		return err
	}

	ans, err := eng.Ask(cmd.Context(), askTurn(args[0]))
	if err != nil {
		return err
	}
	return printJSON(ans)
}

// askTurn is a one-off data turn in a fresh chat.
func askTurn(question string) engine.Turn {
	chatID, _ := identity.ResolveChatID("")
	return engine.Turn{
		ChatID:    chatID,
		MessageID: identity.NewMessageID(),
		UserEmail: identity.AnonymousEmail,
		Message:   question,
		Route:     engine.RouteData,
	}
}

func runSchema(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, cache, err := openAnalytics(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := cache.Refresh(cmd.Context()); err != nil {
		return err
	}
	fmt.Println(cache.Text())
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := store.NewSQLite(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	n, err := repo.PruneArchived(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d archived chats\n", n)
	return nil
}
