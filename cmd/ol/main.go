package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"obraline/internal/app"
	"obraline/internal/config"
	"obraline/internal/db"
	"obraline/internal/domain"
	"obraline/internal/engine"
	"obraline/internal/metrics"
	"obraline/internal/migrate"
	"obraline/internal/repo"
	"obraline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Obraline CLI",
	Long: `Obraline follows public works through their lifecycle and checks that each stage is backed by reviewed evidence.
Core concepts:
- Program: a portfolio of works sharing one config (stages, evidence catalog, thresholds, roles).
- Entity: one public work. It sits in exactly one stage of the program's sequence.
- Evidence: files uploaded against the requirements of a stage. Each one is pending, submitted, approved or rejected.
- Advance: moves an entity to the next stage only when every mandatory requirement of its stage is approved.
- Override: an audited jump to any stage, with a reason, for administrators.
- Indicators: module percentages (spending, goals, commitments, compliance) computed from raw numerator/denominator pairs and classified green/yellow/red.
- Summary: program-wide ranking of entity scores; entities that cannot be scored are listed apart.
- Event log: every change is recorded, view it with 'ol events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OBRALINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("program", "", "program id (overrides workspace config)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "program", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func setupLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(programCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(setStageCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(indicatorsCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "init <program-id>",
		Short: "Create a program in this workspace",
		Long:  "Creates the program with the default public-works config (or the workspace obraline.yml when its program id matches) and makes the current actor its owner.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			programID := strings.TrimSpace(args[0])
			workspace := viper.GetString("workspace")
			if writeConfig {
				if _, err := os.Stat(config.Path(workspace)); errors.Is(err, os.ErrNotExist) {
					if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(programID)), 0o644); err != nil {
						return err
					}
				}
			}
			return withConn(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetProgram(ctx, nil, programID); err == nil {
					return fmt.Errorf("program %s already exists", programID)
				}
				_, _, err := app.ResolveProgramAndConfig(ctx, workspace, programID, viper.GetString("actor-id"), e)
				if err != nil {
					return err
				}
				p, err := e.Repo.GetProgram(ctx, nil, programID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "write a default obraline.yml when none exists")
	return cmd
}

func programCmd() *cobra.Command {
	prg := &cobra.Command{Use: "program", Short: "Manage programs"}
	prg.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPrograms(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Status", "Created", "Description")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, ago(p.CreatedAt), p.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	prg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current program",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				p, err := e.Repo.GetProgram(ctx, nil, programID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	prg.AddCommand(programConfigCmd())
	return prg
}

func programConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage program config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show program config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	var filePath string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import program config from YAML into the DB",
		Long:  "Replaces the stored config. Entities keep their evidence records; requirements no longer in the catalog are ignored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				if next.Program.ID != "" && next.Program.ID != programID {
					return fmt.Errorf("config is for program %s, not %s", next.Program.ID, programID)
				}
				next.Program.ID = programID
				actor := viper.GetString("actor-id")
				if err := e.Authorize(ctx, programID, actor, "program.configure"); err != nil {
					return err
				}
				if err := e.ConfigureProgram(ctx, programID, next, actor); err != nil {
					return err
				}
				return printJSONOrTable(next)
			})
		},
	}
	imp.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = imp.MarkFlagRequired("file")
	cfg.AddCommand(imp)
	return cfg
}

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Manage public works",
		Long:  "Entities are the works of a program. They start at the first stage with its evidence checklist ready to fill.",
	}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityShowCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var opts engine.EntityCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				opts.ProgramID = programID
				if err := e.Authorize(ctx, programID, opts.ActorID, "entity.create"); err != nil {
					return err
				}
				ent, err := e.CreateEntity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "entity id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name of the work")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func entityListCmd() *cobra.Command {
	var f repo.EntityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				f.ProgramID = programID
				items, err := e.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Stage", "Updated")
				for _, ent := range items {
					tw.AppendRow(table.Row{ent.ID, ent.Name, e.Config.StageName(ent.Stage), ago(ent.UpdatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max entities")
	return cmd
}

func entityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entity with its stage checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				st, err := e.EntityState(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printState(st)
				return nil
			})
		},
	}
}

func printState(st engine.State) {
	fmt.Printf("Entity: %s (%s)\n", st.Entity.Name, st.Entity.ID)
	fmt.Printf("Stage: %s [%s], progress %.0f%%\n", st.StageName, st.Entity.Stage, st.Progress)
	fmt.Printf("Evidence: %d/%d approved, %d/%d submitted\n", st.Approved.Satisfied, st.Approved.Total, st.Submitted.Satisfied, st.Submitted.Total)
	tw := newTable("Requirement", "Mandatory", "Status", "File", "Size", "Uploaded", "Comment")
	subs := map[string]domain.Submission{}
	for _, s := range st.Submissions {
		if s.Stage == st.Entity.Stage {
			subs[s.RequirementID] = s
		}
	}
	for _, req := range st.Requirements {
		s := subs[req.ID]
		file, size, uploaded := "", "", ""
		if s.File != nil {
			file = s.File.Name
			size = humanize.Bytes(uint64(s.File.Size))
			uploaded = ago(s.File.UploadedAt)
		}
		tw.AppendRow(table.Row{req.ID, req.Mandatory, s.Status, file, size, uploaded, s.Comment})
	}
	tw.Render()
	switch {
	case st.Terminal:
		fmt.Println("Final stage reached.")
	case st.CanAdvance:
		fmt.Println("Ready to advance.")
	default:
		ids := make([]string, 0, len(st.Missing))
		for _, r := range st.Missing {
			ids = append(ids, r.ID)
		}
		fmt.Printf("Missing approval: %s\n", strings.Join(ids, ", "))
	}
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "evidence",
		Short: "Attach, review and remove evidence",
		Long:  "Evidence files answer the requirements of a stage. A reviewer approves or rejects them; rejections need a comment and a new file can be attached afterwards.",
	}
	var stage string
	var size int64
	var uploadedAt string
	attach := &cobra.Command{
		Use:   "attach <entity-id> <requirement-id> <file-name>",
		Short: "Attach a file to a requirement",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := domain.FileRef{Name: args[2], Size: size, UploadedAt: uploadedAt}
			if size == 0 {
				if info, err := os.Stat(args[2]); err == nil {
					file.Size = info.Size()
				}
			}
			return evidenceOp(cmd.Context(), args[0], args[1], stage, "evidence.attach", func(ctx context.Context, e engine.Engine, opts engine.EvidenceOptions) (domain.Submission, error) {
				if file.UploadedAt == "" {
					file.UploadedAt = time.Now().UTC().Format(time.RFC3339)
				}
				return e.AttachEvidence(ctx, opts, file)
			})
		},
	}
	attach.Flags().StringVar(&stage, "stage", "", "stage (defaults to the current one)")
	attach.Flags().Int64Var(&size, "size", 0, "file size in bytes (read from disk when omitted)")
	attach.Flags().StringVar(&uploadedAt, "uploaded-at", "", "upload time (RFC3339)")
	ev.AddCommand(attach)

	var decision, comment, reviewStage string
	review := &cobra.Command{
		Use:   "review <entity-id> <requirement-id>",
		Short: "Approve or reject submitted evidence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := domain.Status(decision)
			return evidenceOp(cmd.Context(), args[0], args[1], reviewStage, "", func(ctx context.Context, e engine.Engine, opts engine.EvidenceOptions) (domain.Submission, error) {
				ent, err := e.Repo.GetEntity(ctx, nil, opts.EntityID)
				if err != nil {
					return domain.Submission{}, err
				}
				if err := e.AuthorizeReview(ctx, ent.ProgramID, opts.ActorID); err != nil {
					return domain.Submission{}, err
				}
				return e.ReviewEvidence(ctx, opts, status, comment)
			})
		},
	}
	review.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	review.Flags().StringVar(&comment, "comment", "", "review comment (required to reject)")
	review.Flags().StringVar(&reviewStage, "stage", "", "stage (defaults to the current one)")
	_ = review.MarkFlagRequired("decision")
	ev.AddCommand(review)

	var removeStage string
	remove := &cobra.Command{
		Use:   "remove <entity-id> <requirement-id>",
		Short: "Withdraw an attached file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return evidenceOp(cmd.Context(), args[0], args[1], removeStage, "evidence.remove", func(ctx context.Context, e engine.Engine, opts engine.EvidenceOptions) (domain.Submission, error) {
				return e.RemoveEvidence(ctx, opts)
			})
		},
	}
	remove.Flags().StringVar(&removeStage, "stage", "", "stage (defaults to the current one)")
	ev.AddCommand(remove)
	return ev
}

// evidenceOp checks perm against the entity's program (when set) and runs fn.
func evidenceOp(ctx context.Context, entityID, requirementID, stage, perm string, fn func(context.Context, engine.Engine, engine.EvidenceOptions) (domain.Submission, error)) error {
	opts := engine.EvidenceOptions{
		EntityID:      entityID,
		Stage:         domain.Stage(stage),
		RequirementID: requirementID,
		ActorID:       viper.GetString("actor-id"),
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, programID string) error {
		if perm != "" {
			if err := authorizeEntity(ctx, e, entityID, opts.ActorID, perm); err != nil {
				return err
			}
		}
		sub, err := fn(ctx, e, opts)
		if err != nil {
			return err
		}
		return printJSONOrTable(sub)
	})
}

func advanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <entity-id>",
		Short: "Move an entity to its next stage",
		Long:  "Succeeds only when every mandatory requirement of the current stage is approved; otherwise lists what is missing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				if err := authorizeEntity(ctx, e, args[0], actor, "stage.advance"); err != nil {
					return err
				}
				move, err := e.Advance(ctx, args[0], actor)
				var gate *domain.GateError
				if errors.As(err, &gate) && !viper.GetBool("json") {
					if gate.Terminal {
						return fmt.Errorf("%s is already at its final stage", args[0])
					}
					return fmt.Errorf("stage %s is gated; missing approval: %s", gate.Stage, strings.Join(gate.MissingIDs(), ", "))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(move)
			})
		},
	}
}

func setStageCmd() *cobra.Command {
	var opts engine.SetStageOptions
	var target string
	cmd := &cobra.Command{
		Use:   "set-stage <entity-id>",
		Short: "Override the stage of an entity (audited)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.EntityID = args[0]
			opts.Target = domain.Stage(target)
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				if err := authorizeEntity(ctx, e, opts.EntityID, opts.ActorID, "stage.override"); err != nil {
					return err
				}
				move, err := e.SetStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(move)
			})
		},
	}
	cmd.Flags().StringVar(&target, "stage", "", "target stage")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason for the override")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func progressCmd() *cobra.Command {
	prg := &cobra.Command{Use: "progress", Short: "Record module progress"}
	var opts engine.ProgressOptions
	set := &cobra.Command{
		Use:   "set <entity-id> <module>",
		Short: "Store a numerator/denominator pair for a module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.EntityID = args[0]
			opts.Module = args[1]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				if err := authorizeEntity(ctx, e, opts.EntityID, opts.ActorID, "progress.write"); err != nil {
					return err
				}
				in, err := e.RecordProgress(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	set.Flags().Float64Var(&opts.Numerator, "numerator", 0, "achieved amount")
	set.Flags().Float64Var(&opts.Denominator, "denominator", 0, "planned amount")
	_ = set.MarkFlagRequired("numerator")
	_ = set.MarkFlagRequired("denominator")
	prg.AddCommand(set)
	return prg
}

func indicatorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indicators <entity-id>",
		Short: "Show module indicators and score of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				if err := authorizeEntity(ctx, e, args[0], viper.GetString("actor-id"), "entity.read"); err != nil {
					return err
				}
				rep, err := e.Indicators(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable("Module", "Indicator", "Percent", "Level")
				for _, r := range rep.Readings {
					tw.AppendRow(table.Row{r.Name, r.Scheme, fmt.Sprintf("%.2f%%", r.Percent), r.Level})
				}
				tw.Render()
				if rep.Score != nil {
					fmt.Printf("Score: %.2f (%s)\n", *rep.Score, rep.Label.Text)
				} else {
					fmt.Printf("Score: n/a, missing modules: %s\n", strings.Join(rep.Missing, ", "))
				}
				return nil
			})
		},
	}
}

func summaryCmd() *cobra.Command {
	var opts engine.SummaryOptions
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Rank the program's entities by score",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				if err := e.Authorize(ctx, programID, actor, "summary.read"); err != nil {
					return err
				}
				rep, err := e.Summary(ctx, programID, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable("#", "Entity", "Name", "Stage", "Score", "Status")
				for i, row := range rep.Rows {
					tw.AppendRow(table.Row{humanize.Ordinal(i + 1), row.EntityID, row.Name, row.Stage, fmt.Sprintf("%.2f", row.Score), row.Label.Text})
				}
				tw.Render()
				if len(rep.Failures) > 0 {
					fmt.Printf("%s could not be scored:\n", humanize.Comma(int64(len(rep.Failures))))
					for _, f := range rep.Failures {
						fmt.Printf("  %s: %s\n", f.EntityID, f.Message)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Modules, "modules", nil, "modules to average (defaults to the active ones)")
	cmd.Flags().StringVar(&opts.Order, "order", "", "sort order by score (asc, desc)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "parallel scoring workers")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "only entities at this stage")
	return cmd
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				if err := e.Authorize(ctx, programID, actor, "events.read"); err != nil {
					return err
				}
				f.ProgramID = programID
				evts, err := e.Repo.LatestEventsFrom(ctx, limit, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "When", "Type", "Entity", "Actor", "Payload")
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, ago(evt.TS), evt.Type, evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityID, "entity", "", "entity filter")
	return cmd
}

func rbacCmd() *cobra.Command {
	rbac := &cobra.Command{Use: "rbac", Short: "Manage roles"}
	rbac.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				who, err := e.WhoAmI(ctx, programID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	})
	for _, op := range []struct {
		use, short string
		apply      func(engine.Engine) func(context.Context, string, string, string, string) error
	}{
		{"grant <actor-id> <role>", "Grant a role", func(e engine.Engine) func(context.Context, string, string, string, string) error { return e.GrantRole }},
		{"revoke <actor-id> <role>", "Revoke a role", func(e engine.Engine) func(context.Context, string, string, string, string) error { return e.RevokeRole }},
	} {
		apply := op.apply
		rbac.AddCommand(&cobra.Command{
			Use:   op.use,
			Short: op.short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
					if err := apply(e)(ctx, programID, viper.GetString("actor-id"), args[0], args[1]); err != nil {
						return err
					}
					fmt.Printf("%s: %s on %s\n", args[0], args[1], programID)
					return nil
				})
			},
		})
	}
	return rbac
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("API key %s for %s (store it now, it is not shown again):\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.APIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, ago(k.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key of the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, viper.GetString("actor-id"), args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": args[0], "revoked": true})
				}
				fmt.Printf("API key %s revoked\n", args[0])
				return nil
			})
		},
	})
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, programID string) error {
				e.Metrics = metrics.New()
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: allowActorHeader,
					DevLogin:               devLogin,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("OBRALINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				if server.StartWebhookDispatcher(ctx, e, programID) {
					slog.Info("webhook dispatcher started", "program", programID)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Obraline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose /auth/dev/login to mint tokens without credentials (local development only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// withConn opens the workspace database without resolving a program.
func withConn(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, nil)
	e.Logger = slog.Default()
	return fn(ctx, e)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withConn(ctx, func(ctx context.Context, e engine.Engine) error {
		programID, cfg, err := app.ResolveProgramAndConfig(ctx, viper.GetString("workspace"), viper.GetString("program"), viper.GetString("actor-id"), e)
		if err != nil {
			return err
		}
		e.Config = cfg
		return fn(ctx, e, programID)
	})
}

// authorizeEntity checks perm in the program the entity belongs to.
func authorizeEntity(ctx context.Context, e engine.Engine, entityID, actorID, perm string) error {
	ent, err := e.Repo.GetEntity(ctx, nil, entityID)
	if err != nil {
		return err
	}
	return e.Authorize(ctx, ent.ProgramID, actorID, perm)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

// ago renders an RFC3339 timestamp relative to now; unparsable values are
// returned as is.
func ago(ts string) string {
	if ts == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
