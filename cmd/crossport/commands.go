package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crossport-dev/crossport/internal/batch"
	"github.com/crossport-dev/crossport/internal/conversion"
	"github.com/crossport-dev/crossport/internal/plan"
	"github.com/crossport-dev/crossport/internal/webhook"
	"github.com/crossport-dev/crossport/pkg/settings"
)

func newStartCmd() *cobra.Command {
	var source, target, direction string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a conversion session and run it until it settles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			id, err := rt.manager.StartSession(cmd.Context(), source, target, settings.Direction(direction), cfg)
			if err != nil {
				return err
			}
			fmt.Printf("session %s started\n", id)

			summary, err := waitSettled(rt, id)
			if err != nil {
				return err
			}
			printSummary(summary)
			if summary.Status == conversion.StatusFailed {
				return fmt.Errorf("session %s failed", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source project directory")
	cmd.Flags().StringVar(&target, "target", "", "target project directory")
	cmd.Flags().StringVar(&direction, "direction", string(settings.DirectionAToB), "conversion direction (A_TO_B or B_TO_A)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "show a session's progress from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings.Default())
			if err != nil {
				return err
			}
			defer rt.close()

			summary, err := rt.manager.Restore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "list all checkpointed sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(settings.Default())
			if err != nil {
				return err
			}
			defer rt.close()

			summaries, err := rt.manager.RestoreAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range summaries {
				fmt.Printf("%s  %-10s  %5.1f%%  %s -> %s\n",
					s.SessionID, s.Status, s.OverallPercentage*100, s.SourcePath, s.TargetPath)
			}
			return nil
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <session-id>",
		Short: "request a pause at the next chunk boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings.Default())
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.manager.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := rt.manager.PauseSession(args[0]); err != nil {
				return err
			}
			summary, err := rt.manager.GetStatus(args[0])
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	var budget float64
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "resume a paused session from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return resumeSession(cmd, args[0], false, budget) },
	}
	cmd.Flags().Float64Var(&budget, "budget", 0, "raise the session budget (USD) before resuming")
	return cmd
}

func newResumeFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume-failed <session-id>",
		Short: "resume a failed session from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return resumeSession(cmd, args[0], true, 0) },
	}
}

func resumeSession(cmd *cobra.Command, id string, failed bool, budget float64) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.manager.Restore(cmd.Context(), id); err != nil {
		return err
	}
	if failed {
		err = rt.manager.ResumeFailedSession(cmd.Context(), id)
	} else {
		var override *settings.Settings
		if budget > 0 {
			raised := cfg
			raised.Cost.Enabled = true
			raised.Cost.MaxBudgetUSD = budget
			override = &raised
		}
		err = rt.manager.ResumeSession(id, override)
	}
	if err != nil {
		return err
	}

	summary, err := waitSettled(rt, id)
	if err != nil {
		return err
	}
	printSummary(summary)
	return nil
}

func newFixesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixes",
		Short: "inspect and resolve manual fix entries",
	}

	list := &cobra.Command{
		Use:   "list <session-id>",
		Short: "list pending manual fixes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings.Default())
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.manager.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			fixes, err := rt.manager.ListManualFixes(args[0])
			if err != nil {
				return err
			}
			if len(fixes) == 0 {
				fmt.Println("no pending fixes")
				return nil
			}
			for _, f := range fixes {
				fmt.Printf("%s  %-20s  %s\n", f.ChunkID, f.Reason, f.FilePath)
				for _, note := range f.Notes {
					fmt.Printf("    %s\n", note)
				}
			}
			return nil
		},
	}

	var contentFile, note, submittedBy string
	apply := &cobra.Command{
		Use:   "apply <session-id> <chunk-id>",
		Short: "resolve a manual fix with converted content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(contentFile)
			if err != nil {
				return fmt.Errorf("read fix content: %w", err)
			}
			rt, err := newRuntime(settings.Default())
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.manager.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := rt.manager.ApplyManualFix(cmd.Context(), args[0], args[1], string(content), note, submittedBy); err != nil {
				return err
			}
			fmt.Printf("fix applied to chunk %s\n", args[1])
			return nil
		},
	}
	apply.Flags().StringVarP(&contentFile, "file", "f", "", "file with the converted content")
	apply.Flags().StringVarP(&note, "note", "m", "", "note recorded with the fix")
	apply.Flags().StringVar(&submittedBy, "by", "", "who supplied the fix")
	_ = apply.MarkFlagRequired("file")

	var skipNote string
	skip := &cobra.Command{
		Use:   "skip <session-id> <chunk-id>",
		Short: "resolve a manual fix without output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings.Default())
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.manager.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := rt.manager.SkipManualFix(cmd.Context(), args[0], args[1], skipNote); err != nil {
				return err
			}
			fmt.Printf("chunk %s skipped\n", args[1])
			return nil
		},
	}
	skip.Flags().StringVarP(&skipNote, "note", "m", "", "note recorded with the skip")

	cmd.AddCommand(list, apply, skip)
	return cmd
}

func newPatternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "work with learned fix patterns",
	}
	apply := &cobra.Command{
		Use:   "apply <session-id>",
		Short: "auto-resolve pending fixes matching promoted patterns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings.Default())
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.manager.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			applied, err := rt.manager.ApplyLearnedPatterns(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%d fixes resolved by learned patterns\n", applied)
			return nil
		},
	}
	cmd.AddCommand(apply)
	return cmd
}

// batchFile is the YAML shape consumed by "batch start -f".
type batchFile struct {
	Mode    string `yaml:"mode"`
	Entries []struct {
		Source    string `yaml:"source"`
		Target    string `yaml:"target"`
		Direction string `yaml:"direction"`
	} `yaml:"entries"`
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "run several conversions from one submission",
	}

	var file string
	start := &cobra.Command{
		Use:   "start",
		Short: "submit a batch described by a YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read batch file: %w", err)
			}
			var bf batchFile
			if err := yaml.Unmarshal(data, &bf); err != nil {
				return fmt.Errorf("parse batch file: %w", err)
			}

			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			req := batch.Request{Settings: cfg, Mode: batch.Mode(bf.Mode)}
			for _, e := range bf.Entries {
				direction := settings.Direction(e.Direction)
				if e.Direction == "" {
					direction = settings.DirectionAToB
				}
				req.Entries = append(req.Entries, batch.Entry{
					SourcePath: e.Source,
					TargetPath: e.Target,
					Direction:  direction,
				})
			}

			scheduler := batch.NewScheduler(rt.manager)
			defer scheduler.Close()

			b, err := scheduler.Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			for _, item := range b.Items {
				fmt.Printf("%s  %s -> %s\n", item.SessionID, item.Entry.SourcePath, item.Entry.TargetPath)
			}

			for _, item := range b.Items {
				summary, err := waitSettled(rt, item.SessionID)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s\n", item.SessionID, summary.Status)
			}
			return nil
		},
	}
	start.Flags().StringVarP(&file, "file", "f", "", "batch description YAML")
	_ = start.MarkFlagRequired("file")

	cmd.AddCommand(start)
	return cmd
}

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "manage webhook endpoints",
	}

	var url, secret string
	var events, headers []string
	register := &cobra.Command{
		Use:   "register",
		Short: "register or update a webhook endpoint",
		RunE: func(_ *cobra.Command, _ []string) error {
			rt, err := newRuntime(settings.Default())
			if err != nil {
				return err
			}
			defer rt.close()

			cfg := webhook.Config{URL: url, Secret: secret, Events: events}
			if len(headers) > 0 {
				cfg.Headers = make(map[string]string, len(headers))
				for _, h := range headers {
					key, value, ok := strings.Cut(h, "=")
					if !ok {
						return fmt.Errorf("header %q is not key=value", h)
					}
					cfg.Headers[key] = value
				}
			}
			if err := rt.manager.RegisterWebhook(cfg); err != nil {
				return err
			}
			fmt.Printf("registered %s\n", url)
			return nil
		},
	}
	register.Flags().StringVar(&url, "url", "", "endpoint URL")
	register.Flags().StringVar(&secret, "secret", "", "HMAC signing secret")
	register.Flags().StringSliceVar(&events, "event", nil, "event to subscribe to (repeatable, empty = all)")
	register.Flags().StringSliceVar(&headers, "header", nil, "extra header as key=value (repeatable)")
	_ = register.MarkFlagRequired("url")

	var testURL string
	test := &cobra.Command{
		Use:   "test",
		Short: "fire a test delivery at a registered endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(settings.Default())
			if err != nil {
				return err
			}
			defer rt.close()

			delivery, err := rt.manager.TestWebhook(cmd.Context(), testURL)
			if err != nil {
				return err
			}
			fmt.Printf("delivered to %s: HTTP %d after %d attempt(s)\n",
				delivery.URL, delivery.Status, delivery.Attempts)
			return nil
		},
	}
	test.Flags().StringVar(&testURL, "url", "", "endpoint URL")
	_ = test.MarkFlagRequired("url")

	cmd.AddCommand(register, test)
	return cmd
}

func printSummary(s conversion.Summary) {
	fmt.Printf("session:   %s\n", s.SessionID)
	fmt.Printf("status:    %s", s.Status)
	if s.PausedReason != "" {
		fmt.Printf(" (%s)", s.PausedReason)
	}
	fmt.Println()
	fmt.Printf("progress:  %.1f%% (weighted %.1f%%)\n", s.OverallPercentage*100, s.WeightedPercentage*100)
	fmt.Printf("cost:      $%.4f, %d tokens, model %s\n", s.Cost.CostUSD, s.Cost.TokensUsed, s.ActiveModel)
	if s.PendingManualFixes > 0 {
		fmt.Printf("fixes:     %d pending\n", s.PendingManualFixes)
	}

	stages := make([]plan.Stage, 0, len(s.Stages))
	for stage := range s.Stages {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool { return stageRank(stages[i]) < stageRank(stages[j]) })
	for _, stage := range stages {
		p := s.Stages[stage]
		fmt.Printf("  %-14s %3d/%3d  %s\n", stage, p.CompletedUnits, p.TotalUnits, p.Status)
	}
}

func stageRank(stage plan.Stage) int {
	for i, s := range plan.StageOrder {
		if s == stage {
			return i
		}
	}
	return len(plan.StageOrder)
}
