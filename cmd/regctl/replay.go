package main

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/farmreg/internal/config"
	"github.com/ashureev/farmreg/internal/conversation"
	"github.com/ashureev/farmreg/internal/engine"
	"github.com/ashureev/farmreg/internal/enrich"
	"github.com/ashureev/farmreg/internal/extract"
	"github.com/ashureev/farmreg/internal/replay"
	"github.com/ashureev/farmreg/internal/resilience"
	"github.com/ashureev/farmreg/internal/store"
	"github.com/ashureev/farmreg/internal/validate"
	"github.com/spf13/cobra"
)

var (
	replayProvider string
	replayQuiet    bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <script.yaml>...",
	Short: "Replay scripted conversations against an in-process engine",
	Long: `Replay one or more YAML conversation scripts against a fresh in-process
engine backed by an in-memory store. Each turn may declare expect_status,
expect_mode and expect_contains; the command fails if any expectation does not hold.`,
	Example: `  regctl replay testdata/registration.yaml
  regctl replay --provider genai scripts/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if replayProvider != "" {
			cfg.Extractor.Provider = replayProvider
		}

		ctx := cmd.Context()
		extractor, err := extract.New(ctx, cfg.Extractor, slog.Default())
		if err != nil {
			return fmt.Errorf("initialize extractor: %w", err)
		}

		breakers := resilience.NewSet(resilience.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Window:           cfg.Breaker.Window,
			Cooldown:         cfg.Breaker.Cooldown,
		})
		defer breakers.Stop()

		local := enrich.NewLocal(enrich.DefaultCorpusSize)
		eng, err := engine.New(engine.Config{
			Store:      store.NewMemoryStore(),
			Extractor:  extractor,
			Machine:    conversation.NewMachine(cfg.Policy),
			Breakers:   breakers,
			Validators: validate.NewRegistry(),
			Enrichment: enrich.NewGatherer(local, breakers.Enrichment, enrich.GathererConfig{
				Deadline: cfg.Enrichment.Deadline,
				TopK:     cfg.Enrichment.TopK,
			}),
			Corpus:         local,
			HistoryWindow:  cfg.HistoryWindow,
			ExtractTimeout: cfg.Extractor.Timeout,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		failed := 0
		for _, path := range args {
			script, err := replay.Load(path)
			if err != nil {
				return err
			}
			results, err := replay.Run(ctx, eng, script)
			if err != nil {
				return err
			}
			name := script.Name
			if name == "" {
				name = path
			}
			fmt.Fprintf(out, "== %s\n", name)
			for i, r := range results {
				mark := "ok"
				if !r.Passed() {
					mark = "FAIL"
					failed++
				}
				if !replayQuiet || !r.Passed() {
					fmt.Fprintf(out, "%3d %-4s > %s\n", i+1, mark, r.Step.Text)
					fmt.Fprintf(out, "         < [%s/%s] %s\n", r.Response.SessionStatus, r.Response.Mode, r.Response.ReplyText)
				}
				for _, f := range r.Failures {
					fmt.Fprintf(out, "         ! %s\n", f)
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d turn(s) failed their expectations", failed)
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayProvider, "provider", "", "Override LLM_PROVIDER (genai, openai or none)")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "Only print failing turns")
}
