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

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"settleline/internal/app"
	"settleline/internal/config"
	"settleline/internal/db"
	"settleline/internal/domain"
	"settleline/internal/engine"
	"settleline/internal/repo"
	"settleline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Settleline CLI",
	Long: `Settleline is the settlement core of a task marketplace: it tracks who
is working on what, holds the money in escrow while the work happens, and
settles it when the work is accepted, refunded or disputed.

- Workspace: the .settleline directory holding the database; settleline.yml
  next to it tunes deadlines, pauses, sanctions and the sweep.
- Assignment: one executor on one task, moving pending_start -> in_progress
  -> submitted -> accepted, with a one-time pause and deadline extensions.
- Escrow: funds frozen per assignment; exactly one of release, refund or
  split ever settles it.
- Violations: missed deadlines stack into a level that decays over time and
  drives warnings, rating penalties, blocks and bans.
- Disputes: either party escalates a contract to an arbiter whose decision
  is locked and settles the escrow.
- Sweep: the background pass that expires, marks overdue, auto-accepts
  pauses and resumes on schedule.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	viper.SetEnvPrefix("SETTLELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("account-id", "local-user", "acting account identifier")
	rootCmd.PersistentFlags().String("market", "local-market", "market id for fresh workspaces")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("account-id", rootCmd.PersistentFlags().Lookup("account-id"))
	_ = viper.BindPFlag("market", rootCmd.PersistentFlags().Lookup("market"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(executorCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default settleline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(viper.GetString("market"))), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	return cfg
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage accounts"}
	acc.AddCommand(accountCreateCmd())
	acc.AddCommand(accountShowCmd())
	acc.AddCommand(accountTopUpCmd())
	acc.AddCommand(accountKeyCmd())
	acc.AddCommand(accountNotificationsCmd())
	return acc
}

func accountCreateCmd() *cobra.Command {
	var id, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAccount(ctx, id, role, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "account id (generated when empty)")
	cmd.Flags().StringVar(&role, "role", "", "customer|executor|arbiter")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func accountTopUpCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "topup <account-id>",
		Short: "Credit an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				balance, err := e.TopUp(ctx, args[0], amount, viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account_id": args[0], "balance": balance})
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to credit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func accountKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <account-id>",
		Short: "Issue an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetAccount(ctx, args[0]); err != nil {
					return err
				}
				secret, err := repo.NewAPIKeySecret()
				if err != nil {
					return err
				}
				k := domain.APIKey{
					ID:        secret[:12],
					AccountID: args[0],
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				color.Yellow("Store this key now; it is not shown again.")
				return printJSONOrTable(map[string]string{"key": secret, "account_id": args[0]})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func accountNotificationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications <account-id>",
		Short: "List an account's notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotifications(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskSelectCmd())
	task.AddCommand(taskStatusCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title string
	var budget int64
	var slots int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, viper.GetString("account-id"), title, budget, slots)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().Int64Var(&budget, "budget", 0, "escrow budget per executor")
	cmd.Flags().IntVar(&slots, "slots", 1, "executor slots")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var customerID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTasks(ctx, customerID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Budget", "Slots", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Budget, t.Slots, colorTaskStatus(t.Status)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&customerID, "customer", "", "filter by customer")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskSelectCmd() *cobra.Command {
	var executorID string
	cmd := &cobra.Command{
		Use:   "select <task-id>",
		Short: "Select an executor for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SelectExecutor(ctx, args[0], executorID, viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&executorID, "executor", "", "executor account id")
	_ = cmd.MarkFlagRequired("executor")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the task with its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				assignments, err := e.Repo.ListTaskAssignments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "assignments": assignments})
				}
				fmt.Printf("%s  %s  [%s]\n", t.ID, t.Title, colorTaskStatus(t.Status))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Assignment", "Executor", "Status", "Start deadline", "Execution deadline"})
				for _, a := range assignments {
					deadline := ""
					if a.ExecutionDeadlineAt != nil {
						deadline = *a.ExecutionDeadlineAt
					}
					tw.AppendRow(table.Row{a.ID, a.ExecutorID, colorAssignmentStatus(a.Status), a.StartDeadlineAt, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func assignmentCmd() *cobra.Command {
	asg := &cobra.Command{Use: "assignment", Short: "Manage assignments"}
	asg.AddCommand(assignmentShowCmd())
	asg.AddCommand(assignmentListCmd())
	asg.AddCommand(assignmentTransitionCmd("start", "Start work", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Assignment, error) {
		return e.StartAssignment(ctx, id, actor)
	}))
	asg.AddCommand(assignmentTransitionCmd("submit", "Submit work for review", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Assignment, error) {
		return e.SubmitWork(ctx, id, actor)
	}))
	asg.AddCommand(assignmentTransitionCmd("accept", "Accept submitted work", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Assignment, error) {
		return e.AcceptWork(ctx, id, actor)
	}))
	asg.AddCommand(assignmentTransitionCmd("resume", "Resume from a pause", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Assignment, error) {
		return e.ResumeAssignment(ctx, id, actor)
	}))
	asg.AddCommand(assignmentPauseCmd())
	return asg
}

func assignmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <assignment-id>",
		Short: "Show assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAssignment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func assignmentListCmd() *cobra.Command {
	var taskID, executorID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
					TaskID: taskID, ExecutorID: executorID, Status: status, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Executor", "Status", "Pause used"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.TaskID, a.ExecutorID, colorAssignmentStatus(a.Status), a.PauseUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task")
	cmd.Flags().StringVar(&executorID, "executor", "", "filter by executor")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func assignmentTransitionCmd(use, short string, fn func(engine.Engine, context.Context, string, string) (domain.Assignment, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <assignment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := fn(e, ctx, args[0], viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func assignmentPauseCmd() *cobra.Command {
	pause := &cobra.Command{Use: "pause", Short: "Pause requests and decisions"}

	var reason string
	var duration time.Duration
	request := &cobra.Command{
		Use:   "request <assignment-id>",
		Short: "Request a one-time pause",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RequestPause(ctx, args[0], viper.GetString("account-id"), reason, duration.Milliseconds())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	request.Flags().StringVar(&reason, "reason", "", "pause reason id from the catalog")
	request.Flags().DurationVar(&duration, "duration", time.Hour, "requested pause duration")
	_ = request.MarkFlagRequired("reason")

	decide := func(use, short string, accept bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <assignment-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					a, err := e.DecidePause(ctx, args[0], viper.GetString("account-id"), accept)
					if err != nil {
						return err
					}
					return printJSONOrTable(a)
				})
			},
		}
	}
	pause.AddCommand(request)
	pause.AddCommand(decide("accept", "Accept a pause request", true))
	pause.AddCommand(decide("reject", "Reject a pause request", false))
	return pause
}

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escrow", Short: "Manage escrows"}

	show := &cobra.Command{
		Use:   "show <task-id> <executor-id>",
		Short: "Show escrow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetEscrowByPair(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}

	var amount int64
	freeze := &cobra.Command{
		Use:   "freeze <task-id> <executor-id>",
		Short: "Freeze funds for an executor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.FreezeEscrow(ctx, args[0], args[1], amount, viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	freeze.Flags().Int64Var(&amount, "amount", 0, "amount (defaults to the task budget)")

	resolve := func(use, short string, fn func(engine.Engine, context.Context, string, string, string) (domain.Escrow, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <task-id> <executor-id>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					rec, err := fn(e, ctx, args[0], args[1], viper.GetString("account-id"))
					if err != nil {
						return err
					}
					return printJSONOrTable(rec)
				})
			},
		}
	}

	var executorShare, customerShare int64
	split := &cobra.Command{
		Use:   "split <task-id> <executor-id>",
		Short: "Split escrow between the parties",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.SplitEscrow(ctx, args[0], args[1], executorShare, customerShare, viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	split.Flags().Int64Var(&executorShare, "executor-amount", 0, "executor share")
	split.Flags().Int64Var(&customerShare, "customer-amount", 0, "customer share")

	esc.AddCommand(show, freeze, split)
	esc.AddCommand(resolve("release", "Release escrow to the executor", func(e engine.Engine, ctx context.Context, taskID, executorID, actor string) (domain.Escrow, error) {
		return e.ReleaseEscrow(ctx, taskID, executorID, actor)
	}))
	esc.AddCommand(resolve("refund", "Refund escrow to the customer", func(e engine.Engine, ctx context.Context, taskID, executorID, actor string) (domain.Escrow, error) {
		return e.RefundEscrow(ctx, taskID, executorID, actor)
	}))
	return esc
}

func contractCmd() *cobra.Command {
	con := &cobra.Command{Use: "contract", Short: "Manage contracts"}
	con.AddCommand(&cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	con.AddCommand(&cobra.Command{
		Use:   "cancel <contract-id>",
		Short: "Cancel a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CancelContract(ctx, args[0], viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	return con
}

func disputeCmd() *cobra.Command {
	dis := &cobra.Command{Use: "dispute", Short: "Manage disputes"}

	var reason string
	open := &cobra.Command{
		Use:   "open <contract-id>",
		Short: "Open a dispute on a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.OpenDispute(ctx, args[0], viper.GetString("account-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	open.Flags().StringVar(&reason, "reason", "", "why the dispute is opened")
	_ = open.MarkFlagRequired("reason")

	var status, arbiter string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List disputes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDisputes(ctx, status, arbiter, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Contract", "Status", "Arbiter", "SLA due", "Version"})
				for _, d := range items {
					arb := ""
					if d.AssignedArbiterID != nil {
						arb = *d.AssignedArbiterID
					}
					tw.AppendRow(table.Row{d.ID, d.ContractID, colorDisputeStatus(d.Status), arb, d.SLADueAt, d.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().StringVar(&arbiter, "arbiter", "", "filter by assigned arbiter")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")

	show := &cobra.Command{
		Use:   "show <dispute-id>",
		Short: "Show dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDispute(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}

	var version int64
	take := &cobra.Command{
		Use:   "take <dispute-id>",
		Short: "Take a dispute in work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.TakeInWork(ctx, args[0], viper.GetString("account-id"), version)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	take.Flags().Int64Var(&version, "expected-version", 0, "optimistic lock; 0 skips the check")

	var question string
	var miVersion int64
	moreInfo := &cobra.Command{
		Use:   "more-info <dispute-id>",
		Short: "Ask the parties for more information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RequestMoreInfo(ctx, args[0], viper.GetString("account-id"), miVersion, question)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	moreInfo.Flags().StringVar(&question, "question", "", "what is missing")
	moreInfo.Flags().Int64Var(&miVersion, "expected-version", 0, "optimistic lock; 0 skips the check")

	var outcome, note string
	var executorShare, customerShare, dVersion int64
	decide := &cobra.Command{
		Use:   "decide <dispute-id>",
		Short: "Lock the decision and settle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Decide(ctx, args[0], viper.GetString("account-id"), dVersion, engine.Decision{
					Outcome:        outcome,
					ExecutorAmount: executorShare,
					CustomerAmount: customerShare,
					Note:           note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	decide.Flags().StringVar(&outcome, "outcome", "", "release|refund|split")
	decide.Flags().Int64Var(&executorShare, "executor-amount", 0, "executor share for split")
	decide.Flags().Int64Var(&customerShare, "customer-amount", 0, "customer share for split")
	decide.Flags().StringVar(&note, "note", "", "verdict note")
	decide.Flags().Int64Var(&dVersion, "expected-version", 0, "optimistic lock; 0 skips the check")
	_ = decide.MarkFlagRequired("outcome")

	var cVersion int64
	closeCmd := &cobra.Command{
		Use:   "close <dispute-id>",
		Short: "Close a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CloseDispute(ctx, args[0], viper.GetString("account-id"), cVersion)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	closeCmd.Flags().Int64Var(&cVersion, "expected-version", 0, "optimistic lock; 0 skips the check")

	messages := &cobra.Command{
		Use:   "messages <dispute-id>",
		Short: "List dispute messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDisputeMessages(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}

	var body string
	message := &cobra.Command{
		Use:   "message <dispute-id>",
		Short: "Post a dispute message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddDisputeMessage(ctx, args[0], viper.GetString("account-id"), body)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	message.Flags().StringVar(&body, "body", "", "message text")
	_ = message.MarkFlagRequired("body")

	dis.AddCommand(open, list, show, take, moreInfo, decide, closeCmd, messages, message)
	return dis
}

func executorCmd() *cobra.Command {
	exe := &cobra.Command{Use: "executor", Short: "Executor sanctions state"}
	exe.AddCommand(&cobra.Command{
		Use:   "violations <executor-id>",
		Short: "List violations with the current per-type levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				violations, err := e.ListViolations(ctx, args[0])
				if err != nil {
					return err
				}
				levels, err := e.ViolationLevels(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"executor_id": args[0], "levels": levels, "violations": violations,
				})
			})
		},
	})
	exe.AddCommand(&cobra.Command{
		Use:   "restriction <executor-id>",
		Short: "Show sanctions state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetRestriction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	})
	exe.AddCommand(&cobra.Command{
		Use:   "can-respond <executor-id>",
		Short: "Whether the executor may take new work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, until, err := e.CanExecutorRespond(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"executor_id": args[0], "can_respond": ok}
				if until != nil {
					out["blocked_until"] = *until
				}
				return printJSONOrTable(out)
			})
		},
	})
	return exe
}

func sweepCmd() *cobra.Command {
	sw := &cobra.Command{Use: "sweep", Short: "Deadline sweep"}
	sw.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run one sweep pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.SweepOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	})
	sw.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the sweep loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("sweeping every %s (ctrl-c to stop)\n", e.Config.SweepInterval())
				engine.NewSweeper(e).Run(ctx)
				return nil
			})
		},
	})
	return sw
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit events"}
	var entityKind, entityID string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, entityKind, entityID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().StringVar(&entityKind, "kind", "", "filter by entity kind")
	tail.Flags().StringVar(&entityID, "entity", "", "filter by entity id")
	tail.Flags().IntVar(&limit, "limit", 50, "max rows")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace, viper.GetString("market"))
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:                os.Getenv("SETTLELINE_JWT_SECRET"),
				AllowLegacyAccountHeader: os.Getenv("SETTLELINE_ALLOW_LEGACY_ACCOUNT_HEADER") == "1",
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyAccountHeader {
				return fmt.Errorf("SETTLELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if sweep {
				go engine.NewSweeper(a.Engine).Run(cmd.Context())
			}
			server.StartWebhookDispatcher(a.Engine)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Settleline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&sweep, "sweep", true, "run the deadline sweep alongside the server")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"), viper.GetString("market"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
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
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func colorTaskStatus(status string) string {
	switch status {
	case domain.TaskOpen:
		return color.CyanString(status)
	case domain.TaskDispute:
		return color.RedString(status)
	case domain.TaskClosed:
		return color.GreenString(status)
	default:
		return status
	}
}

func colorAssignmentStatus(status string) string {
	switch status {
	case domain.AssignmentAccepted:
		return color.GreenString(status)
	case domain.AssignmentOverdue, domain.AssignmentRemovedAuto:
		return color.RedString(status)
	case domain.AssignmentDisputeOpened:
		return color.MagentaString(status)
	case domain.AssignmentPaused, domain.AssignmentPauseRequested:
		return color.YellowString(status)
	default:
		return status
	}
}

func colorDisputeStatus(status string) string {
	switch status {
	case domain.DisputeDecided, domain.DisputeClosed:
		return color.GreenString(status)
	case domain.DisputeNeedMoreInfo:
		return color.YellowString(status)
	default:
		return status
	}
}
