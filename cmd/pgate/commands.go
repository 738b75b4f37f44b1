package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"pilotgate/internal/app"
	"pilotgate/internal/domain"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage pilot projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectSnapshotCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in the initial state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				p, err := rt.Service.CreateProject(ctx, rt.Actor, app.CreateProjectInput{ID: id, Name: name, Description: desc})
				if err != nil {
					return err
				}
				return printJSONOrTable(p, projectTable([]domain.Project{p}))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects of the actor's organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				items, err := rt.Service.ListProjects(ctx, rt.Actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, projectTable(items))
			})
		},
	}
}

func projectTable(items []domain.Project) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Name", "State", "Org", "Updated"})
		for _, p := range items {
			tw.AppendRow(table.Row{p.ID, p.Name, p.State, p.OrgID, p.UpdatedAt.Format("2006-01-02 15:04")})
		}
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				p, err := rt.Service.GetProject(ctx, rt.Actor, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Lifecycle position, next transition, blockers and open SLAs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				st, err := rt.Service.ProjectStatus(ctx, rt.Actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st, func(tw table.Writer) {
					tw.SetTitle(fmt.Sprintf("%s (%s)", st.Project.Name, st.Project.ID))
					tw.AppendRow(table.Row{"State", st.Project.State})
					tw.AppendRow(table.Row{"Progress", fmt.Sprintf("%d%%", st.Progress)})
					for _, t := range st.Next {
						tw.AppendRow(table.Row{"Next", fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Label)})
					}
					for _, b := range st.Blockers {
						tw.AppendRow(table.Row{"Blocker", b})
					}
					tw.AppendRow(table.Row{"Open SLAs", len(st.OpenSLAs)})
				})
			})
		},
	}
}

func projectSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <project-id>",
		Short: "Print the snapshot the engine evaluates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				snap, err := rt.Service.Snapshot(ctx, rt.Actor, args[0])
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
}

func assetCmd() *cobra.Command {
	asset := &cobra.Command{Use: "asset", Short: "Data assets the tool may touch"}

	var name, classification string
	var pii, approved bool
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Register a data asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				a, err := rt.Service.AddAsset(ctx, rt.Actor, args[0], app.AssetInput{
					Name:           name,
					Classification: classification,
					ContainsPII:    pii,
					Approved:       approved,
				})
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "asset name")
	add.Flags().StringVar(&classification, "classification", "", "public, internal, confidential or restricted")
	add.Flags().BoolVar(&pii, "pii", false, "asset contains personal data")
	add.Flags().BoolVar(&approved, "approved", false, "asset is already approved")
	_ = add.MarkFlagRequired("name")

	var revoke bool
	approve := &cobra.Command{
		Use:   "approve <project-id> <asset-id>",
		Short: "Approve (or with --revoke, unapprove) a data asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if err := rt.Service.ApproveAsset(ctx, rt.Actor, args[0], args[1], !revoke); err != nil {
					return err
				}
				fmt.Printf("asset %s approved=%t\n", args[1], !revoke)
				return nil
			})
		},
	}
	approve.Flags().BoolVar(&revoke, "revoke", false, "withdraw approval")

	asset.AddCommand(add, approve)
	return asset
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{
		Use:   "gate",
		Short: "Gate reviews",
		Long:  "A pending review opens a gate_review SLA obligation; any final decision resolves it.",
	}
	var gateType, decision, notes string
	submit := &cobra.Command{
		Use:   "submit <project-id>",
		Short: "Submit a gate review decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				g, err := rt.Service.SubmitGate(ctx, rt.Actor, args[0], app.GateInput{
					GateType: gateType,
					Decision: domain.Decision(decision),
					Notes:    notes,
				})
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	submit.Flags().StringVar(&gateType, "type", "", "gate type, e.g. data_review")
	submit.Flags().StringVar(&decision, "decision", "pending", "pending, approved, conditionally_approved, rejected or deferred")
	submit.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	_ = submit.MarkFlagRequired("type")
	gate.AddCommand(submit)
	return gate
}

func riskCmd() *cobra.Command {
	risk := &cobra.Command{Use: "risk", Short: "Risk register"}

	var title, tier, mitigation, owner string
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Record a risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				k, err := rt.Service.AddRisk(ctx, rt.Actor, args[0], app.RiskInput{Title: title, Tier: tier, Mitigation: mitigation, Owner: owner})
				if err != nil {
					return err
				}
				return printJSON(k)
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "risk title")
	add.Flags().StringVar(&tier, "tier", "medium", "low, medium, high or critical")
	add.Flags().StringVar(&mitigation, "mitigation", "", "mitigation plan")
	add.Flags().StringVar(&owner, "owner", "", "risk owner")
	_ = add.MarkFlagRequired("title")

	var mMitigation, mOwner string
	mitigate := &cobra.Command{
		Use:   "mitigate <risk-id>",
		Short: "Record a mitigation; resolves the remediation SLA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				k, err := rt.Service.UpdateRiskMitigation(ctx, rt.Actor, args[0], mMitigation, mOwner)
				if err != nil {
					return err
				}
				return printJSON(k)
			})
		},
	}
	mitigate.Flags().StringVar(&mMitigation, "mitigation", "", "mitigation plan")
	mitigate.Flags().StringVar(&mOwner, "owner", "", "risk owner")
	_ = mitigate.MarkFlagRequired("mitigation")

	risk.AddCommand(add, mitigate)
	return risk
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Usage policies"}

	var name, status string
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Add a usage policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				p, err := rt.Service.AddPolicy(ctx, rt.Actor, args[0], name, status)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "policy name")
	add.Flags().StringVar(&status, "status", "", "initial status (draft when empty)")
	_ = add.MarkFlagRequired("name")

	set := &cobra.Command{
		Use:   "status <project-id> <policy-id> <status>",
		Short: "Set a policy status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if err := rt.Service.SetPolicyStatus(ctx, rt.Actor, args[0], args[1], args[2]); err != nil {
					return err
				}
				fmt.Printf("policy %s is %s\n", args[1], args[2])
				return nil
			})
		},
	}
	pol.AddCommand(add, set)
	return pol
}

func controlCmd() *cobra.Command {
	ctl := &cobra.Command{Use: "control", Short: "Security control checks"}
	record := &cobra.Command{
		Use:   "record <project-id> <control-id> <pass|fail|not_applicable>",
		Short: "Record a control check result",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				c, err := rt.Service.RecordControl(ctx, rt.Actor, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	ctl.AddCommand(record)
	return ctl
}

func memberCmd() *cobra.Command {
	mem := &cobra.Command{Use: "member", Short: "Project team"}
	assign := &cobra.Command{
		Use:   "assign <project-id> <user-id> <role>",
		Short: "Assign a configured role to a team member",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				m, err := rt.Service.AssignMember(ctx, rt.Actor, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove <project-id> <user-id> <role>",
		Short: "Remove a team member role",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				return rt.Service.RemoveMember(ctx, rt.Actor, args[0], args[1], args[2])
			})
		},
	}
	mem.AddCommand(assign, remove)
	return mem
}

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{Use: "transition", Short: "Lifecycle transitions"}
	check := &cobra.Command{
		Use:   "check <project-id> <target-state>",
		Short: "Check a transition without applying it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				res, err := rt.Service.CheckTransition(ctx, rt.Actor, args[0], domain.State(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func(tw table.Writer) {
					tw.AppendRow(table.Row{"Target", args[1]})
					tw.AppendRow(table.Row{"Allowed", yesNo(res.Allowed)})
					if res.Reason != "" {
						tw.AppendRow(table.Row{"Reason", res.Reason})
					}
				})
			})
		},
	}
	apply := &cobra.Command{
		Use:   "apply <project-id> <target-state>",
		Short: "Move a project to the next state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				p, err := rt.Service.ApplyTransition(ctx, rt.Actor, args[0], domain.State(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(p, projectTable([]domain.Project{p}))
			})
		},
	}
	blockers := &cobra.Command{
		Use:   "blockers <project-id>",
		Short: "List every reason the next transition is refused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				items, err := rt.Service.Blockers(ctx, rt.Actor, args[0])
				if err != nil {
					return err
				}
				if items == nil {
					items = []string{}
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"#", "Blocker"})
					for i, b := range items {
						tw.AppendRow(table.Row{i + 1, b})
					}
				})
			})
		},
	}
	tr.AddCommand(check, apply, blockers)
	return tr
}

func complyCmd() *cobra.Command {
	var allPhases, failOnViolation bool
	cmd := &cobra.Command{
		Use:   "comply <project-id>",
		Short: "Evaluate compliance rules against a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				sum, err := rt.Service.EvaluateCompliance(ctx, rt.Actor, args[0], allPhases)
				if err != nil {
					return err
				}
				err = printJSONOrTable(sum, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Rule", "Category", "Severity", "Result", "Message"})
					for _, r := range sum.Results {
						result := "PASS"
						if !r.Passed {
							result = "FAIL"
						}
						tw.AppendRow(table.Row{r.RuleID, r.Category, r.Severity, result, r.Message})
					}
					tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d/%d", sum.Passed, sum.Total), fmt.Sprintf("%d failed, %d warnings", sum.Failed, sum.Warnings)})
				})
				if err != nil {
					return err
				}
				if failOnViolation && !sum.Compliant() {
					return fmt.Errorf("%d rule(s) failed", sum.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&allPhases, "all-phases", false, "evaluate every rule, not only those scoped to the current phase")
	cmd.Flags().BoolVar(&failOnViolation, "fail", false, "exit non-zero when a rule fails")
	return cmd
}

func slaCmd() *cobra.Command {
	s := &cobra.Command{Use: "sla", Short: "SLA escalations"}

	var projectID string
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List escalation records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				items, err := rt.Service.ListEscalations(ctx, rt.Actor, projectID, all)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Project", "Resource", "Level", "Status", "Due", "Resolved"})
					for _, r := range items {
						tw.AppendRow(table.Row{
							shortID(r.ID), r.ProjectID, r.ResourceType + "/" + r.ResourceID,
							r.CurrentLevel, r.Status, r.DueAt.Format("2006-01-02"), yesNo(r.Resolved()),
						})
					}
				})
			})
		},
	}
	list.Flags().StringVar(&projectID, "project", "", "project id filter")
	list.Flags().BoolVar(&all, "all", false, "include resolved records")

	tick := &cobra.Command{
		Use:   "tick",
		Short: "Re-evaluate open escalations now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				changes, err := rt.Service.TickEscalations(ctx, rt.Actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(changes, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Resource", "Level", "Status"})
					for _, c := range changes {
						tw.AppendRow(table.Row{
							shortID(c.After.ID), c.After.ResourceType + "/" + c.After.ResourceID,
							c.Before.CurrentLevel + " -> " + c.After.CurrentLevel,
							string(c.Before.Status) + " -> " + string(c.After.Status),
						})
					}
				})
			})
		},
	}
	s.AddCommand(list, tick)
	return s
}

func shortID(id string) string {
	if len(id) > 8 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}
