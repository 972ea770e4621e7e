package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/events"
	"reviewline/internal/metrics"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
	"reviewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reviewline CLI",
	Long: `Reviewline coordinates multi-phase review cycles with versioned dual-reviewer
approval rounds. Phases form a dependency graph (sequential gates, fan-out per
owner, fan-in at the end); inside each phase instance, batches of items move
through draft -> pending_approval -> approved/rejected versions, with rejected
work carried forward into fresh drafts instead of edited in place.`,
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
	viper.SetEnvPrefix("REVIEWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "declared actor role (recorded on decisions)")
	rootCmd.PersistentFlags().String("cycle", "", "cycle id (defaults to the workspace's only cycle)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("cycle", rootCmd.PersistentFlags().Lookup("cycle"))
}

func registerCommands() {
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

// --- cycle ---

func cycleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cycle", Short: "Manage review cycles"}
	cmd.AddCommand(cycleInitCmd())
	cmd.AddCommand(cycleListCmd())
	cmd.AddCommand(cycleShowCmd())
	return cmd
}

func cycleInitCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace and create a cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote default config to %s\n", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.InitCycle(ctx, id, name, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "cycle id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func cycleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCycles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func cycleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := resolveCycle(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Phase instance overview with resolver verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := resolveCycle(ctx, e.Repo)
				if err != nil {
					return err
				}
				instances, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{CycleID: c.ID})
				if err != nil {
					return err
				}
				resolution, err := e.Resolve(ctx, c.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"cycle":      c,
						"instances":  instances,
						"resolution": resolution,
					})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Scope", "Status", "Started", "Completed"})
				for _, in := range instances {
					tw.AppendRow(table.Row{in.Phase, in.ScopeKey, in.Status, deref(in.StartedAt), deref(in.CompletedAt)})
				}
				for _, cand := range resolution.Startable {
					tw.AppendRow(table.Row{cand.Phase, cand.ScopeKey, "startable", "", ""})
				}
				for _, cand := range resolution.Blocked {
					tw.AppendRow(table.Row{cand.Phase, cand.ScopeKey, "blocked: " + cand.Reason, "", ""})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- instance ---

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "Manage phase instances"}
	cmd.AddCommand(instanceStartCmd())
	cmd.AddCommand(instanceCompleteCmd())
	cmd.AddCommand(instanceListCmd())
	cmd.AddCommand(instanceShowCmd())
	return cmd
}

func instanceStartCmd() *cobra.Command {
	var phase, scope string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a phase instance (resolver-gated)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := resolveCycle(ctx, e.Repo)
				if err != nil {
					return err
				}
				in, err := e.StartInstance(ctx, engine.StartOptions{
					CycleID: c.ID, Phase: phase, ScopeKey: scope, ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase name")
	cmd.Flags().StringVar(&scope, "scope", "", "scope key (omit for sequential phases)")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func instanceCompleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a phase instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in, err := e.CompleteInstance(ctx, engine.CompleteOptions{
					InstanceID: id, ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func instanceListCmd() *cobra.Command {
	var phase, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phase instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := resolveCycle(ctx, r)
				if err != nil {
					return err
				}
				instances, err := r.ListInstances(ctx, repo.InstanceFilters{CycleID: c.ID, Phase: phase, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(instances)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Scope", "Status"})
				for _, in := range instances {
					tw.AppendRow(table.Row{in.ID, in.Phase, in.ScopeKey, in.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a phase instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				in, err := r.GetInstance(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- version ---

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "version", Short: "Manage versions"}
	cmd.AddCommand(versionCreateCmd())
	cmd.AddCommand(versionShowCmd())
	cmd.AddCommand(versionListCmd())
	cmd.AddCommand(versionSubmitCmd())
	cmd.AddCommand(versionDecideCmd())
	cmd.AddCommand(versionCarryForwardCmd())
	return cmd
}

func versionCreateCmd() *cobra.Command {
	var instanceID, parentID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a draft version on an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.CreateVersion(ctx, engine.VersionCreateOptions{
					InstanceID:      instanceID,
					ParentVersionID: parentID,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent version id")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func versionShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a version with item counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.GetVersion(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "version id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func versionListCmd() *cobra.Command {
	var instanceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an instance's versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				versions, err := e.ListVersions(ctx, instanceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "N", "Status", "Items", "Approved", "Rejected"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.ID, v.Number, v.Status, v.TotalItems, v.ApprovedItems, v.RejectedItems})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func versionSubmitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a draft for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.GetVersion(ctx, id)
				if err != nil {
					return err
				}
				v, err = e.SubmitVersion(ctx, id, v.Rev, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "version id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func versionDecideCmd() *cobra.Command {
	var id, outcome, reason string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Approve or reject a pending version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.GetVersion(ctx, id)
				if err != nil {
					return err
				}
				v, err = e.DecideVersion(ctx, engine.DecideOptions{
					VersionID: id, Rev: v.Rev, Outcome: outcome, Reason: reason,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "version id")
	cmd.Flags().StringVar(&outcome, "outcome", "", "approve or reject")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func versionCarryForwardCmd() *cobra.Command {
	var sourceID, targetID string
	cmd := &cobra.Command{
		Use:   "carry-forward",
		Short: "Derive a new draft from a finished version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := engine.CarryForwardOptions{
					SourceVersionID: sourceID,
					TargetVersionID: targetID,
					ActorID:         viper.GetString("actor-id"),
				}
				if targetID != "" {
					target, err := e.GetVersion(ctx, targetID)
					if err != nil {
						return err
					}
					opts.TargetRev = target.Rev
				}
				v, err := e.CarryForward(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "source version id")
	cmd.Flags().StringVar(&targetID, "target", "", "existing target draft id (omit to create one)")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

// --- item ---

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Manage items"}
	cmd.AddCommand(itemAddCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemReopenCmd())
	return cmd
}

func itemAddCmd() *cobra.Command {
	var versionID, category, payload string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an item to a draft version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.GetVersion(ctx, versionID)
				if err != nil {
					return err
				}
				items, err := e.AddItems(ctx, versionID, v.Rev, []engine.ItemInput{
					{Category: category, PayloadJSON: payload},
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id")
	cmd.Flags().StringVar(&category, "category", "", "classification tag")
	cmd.Flags().StringVar(&payload, "payload", "{}", "item payload JSON")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func itemListCmd() *cobra.Command {
	var versionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a version's items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListItems(ctx, versionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Provenance", "First", "Second", "Final"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Category, it.Provenance, deref(it.FirstOutcome), deref(it.SecondOutcome), it.FinalOutcome()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func itemReopenCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "reopen",
		Short: "Reopen a carried-forward item for re-decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				it, err := e.Repo.GetItem(ctx, id)
				if err != nil {
					return err
				}
				v, err := e.GetVersion(ctx, it.VersionID)
				if err != nil {
					return err
				}
				reopened, err := e.ReopenItem(ctx, id, v.Rev, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(reopened)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- decision ---

func decisionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "decision", Short: "Record reviewer decisions"}
	cmd.AddCommand(decisionRecordCmd())
	cmd.AddCommand(decisionBulkCmd())
	return cmd
}

func decisionRecordCmd() *cobra.Command {
	var itemID, track, outcome, notes string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				it, err := e.RecordDecision(ctx, engine.DecisionInput{
					ItemID:  itemID,
					Track:   track,
					Outcome: outcome,
					Notes:   notes,
					ActorID: viper.GetString("actor-id"),
					Role:    viper.GetString("role"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	cmd.Flags().StringVar(&track, "track", "first", "first or second")
	cmd.Flags().StringVar(&outcome, "outcome", "", "approve, reject or request_changes")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func decisionBulkCmd() *cobra.Command {
	var itemIDs []string
	var track, outcome, notes string
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Apply one outcome to many items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				results, err := e.RecordDecisionBulk(ctx, itemIDs, track, outcome, notes,
					viper.GetString("actor-id"), viper.GetString("role"))
				if err != nil {
					return err
				}
				return printJSONOrTable(results)
			})
		},
	}
	cmd.Flags().StringSliceVar(&itemIDs, "items", nil, "item ids")
	cmd.Flags().StringVar(&track, "track", "first", "first or second")
	cmd.Flags().StringVar(&outcome, "outcome", "", "approve, reject or request_changes")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	_ = cmd.MarkFlagRequired("items")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

// --- phase ---

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phase", Short: "Manage phase units and closure"}
	cmd.AddCommand(phaseRegisterUnitCmd())
	cmd.AddCommand(phaseUnitsCmd())
	cmd.AddCommand(phaseCloseCmd())
	return cmd
}

func phaseRegisterUnitCmd() *cobra.Command {
	var phase, unitID, label string
	cmd := &cobra.Command{
		Use:   "register-unit",
		Short: "Register a unit produced by a phase (e.g. an owner)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := resolveCycle(ctx, e.Repo)
				if err != nil {
					return err
				}
				u, err := e.RegisterUnit(ctx, c.ID, phase, unitID, label, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "producing phase")
	cmd.Flags().StringVar(&unitID, "unit", "", "unit id")
	cmd.Flags().StringVar(&label, "label", "", "display label")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func phaseUnitsCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "units",
		Short: "List a phase's registered units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := resolveCycle(ctx, r)
				if err != nil {
					return err
				}
				units, err := r.ListUnits(ctx, c.ID, phase)
				if err != nil {
					return err
				}
				return printJSONOrTable(units)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase name")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func phaseCloseCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Declare a phase done producing units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := resolveCycle(ctx, e.Repo)
				if err != nil {
					return err
				}
				closure, err := e.ClosePhase(ctx, c.ID, phase, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(closure)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase name")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

// --- resolve / reconcile ---

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Show startable and blocked phase instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := resolveCycle(ctx, e.Repo)
				if err != nil {
					return err
				}
				res, err := e.Resolve(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-resolve the cycle and start anything left behind",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := resolveCycle(ctx, e.Repo)
				if err != nil {
					return err
				}
				if err := e.Reconcile(ctx, c.ID, viper.GetString("actor-id")); err != nil {
					return err
				}
				res, err := e.Resolve(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

// --- job ---

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Out-of-band producer jobs"}
	cmd.AddCommand(jobDispatchCmd())
	cmd.AddCommand(jobCompleteCmd())
	cmd.AddCommand(jobListCmd())
	return cmd
}

func jobDispatchCmd() *cobra.Command {
	var kind, instanceID, versionID string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch a producer job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := resolveCycle(ctx, e.Repo)
				if err != nil {
					return err
				}
				j, err := e.DispatchJob(ctx, engine.JobOptions{
					CycleID: c.ID, Kind: kind, InstanceID: instanceID, VersionID: versionID,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "item_generation", "job kind")
	cmd.Flags().StringVar(&instanceID, "instance", "", "target instance id")
	cmd.Flags().StringVar(&versionID, "version", "", "target version id")
	return cmd
}

func jobCompleteCmd() *cobra.Command {
	var id, itemsJSON string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Deliver a producer completion callback",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var items []engine.ItemInput
				if itemsJSON != "" {
					if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
						return fmt.Errorf("invalid items JSON: %w", err)
					}
				}
				j, err := e.CompleteJob(ctx, id, items, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	cmd.Flags().StringVar(&itemsJSON, "items", "", `items JSON, e.g. [{"payload_json":"{}"}]`)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := resolveCycle(ctx, r)
				if err != nil {
					return err
				}
				jobs, err := r.ListJobs(ctx, repo.JobFilters{CycleID: c.ID, Status: status})
				if err != nil {
					return err
				}
				return printJSONOrTable(jobs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := resolveCycle(ctx, r)
				if err != nil {
					return err
				}
				evts, err := r.LatestEvents(ctx, n, c.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			registry := prometheus.NewRegistry()
			e := engine.New(conn, cfg)
			e.Metrics = metrics.New(registry)
			e.Notifier = events.LogNotifier{}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("REVIEWLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("REVIEWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Gatherer: registry})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Reviewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- apikey ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (stored hashed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if key == "" {
					key = uuid.NewString()
				}
				apiKey := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, apiKey); err != nil {
					return err
				}
				fmt.Printf("API key (save it now, only the hash is stored): %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&key, "key", "", "key value (generated when omitted)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Notifier = events.LogNotifier{}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// resolveCycle picks the cycle from --cycle or falls back to the workspace's
// only cycle.
func resolveCycle(ctx context.Context, r repo.Repo) (domain.Cycle, error) {
	if id := strings.TrimSpace(viper.GetString("cycle")); id != "" {
		return r.GetCycle(ctx, id)
	}
	return r.SingleCycle(ctx)
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
