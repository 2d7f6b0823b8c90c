package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/governance"
)

func newPolicyCmd() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and govern the live policy document",
		Long:  "Propose, apply, roll back, and audit versioned parameter changes on the policy hash chain",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the live policy document",
		RunE:  runPolicyShow,
	}

	proposeCmd := &cobra.Command{
		Use:   "propose",
		Short: "Record a parameter change proposal",
		Long:  "Validates deltas against the live document and records the proposal with its guardrail verdict",
		RunE:  runPolicyPropose,
	}
	proposeCmd.Flags().StringArray("set", nil, "Parameter delta as name=value (repeatable)")
	proposeCmd.Flags().String("scope", "kernel", "Parameter scope the proposal touches")
	proposeCmd.Flags().String("source", "manual", "Proposal source")

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a recorded proposal to the live policy",
		Long:  "Mutates the live document by the proposal's deltas and appends the application to the hash chain",
		RunE:  runPolicyApply,
	}
	applyCmd.Flags().String("proposal", "", "Proposal ID (required)")
	applyCmd.Flags().String("actor", "", "Operator applying the change (required)")
	applyCmd.Flags().String("reason", "", "Why the change ships (required)")

	rollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back an applied policy change",
		Long:  "Restores the document state an application replaced and appends a compensating application",
		RunE:  runPolicyRollback,
	}
	rollbackCmd.Flags().String("application", "", "Application ID to roll back (required)")
	rollbackCmd.Flags().String("actor", "", "Operator rolling back (required)")
	rollbackCmd.Flags().String("reason", "", "Why the change comes out (required)")

	logCmd := &cobra.Command{
		Use:     "log",
		Aliases: []string{"list"},
		Short:   "List policy applications, newest first",
		RunE:    runPolicyLog,
	}
	logCmd.Flags().Int("limit", 20, "Maximum entries to show (0 shows all)")
	logCmd.Flags().Bool("rollbacks-only", false, "Show only rollback applications")
	logCmd.Flags().String("actor", "", "Show only applications by this operator")

	policyCmd.AddCommand(showCmd)
	policyCmd.AddCommand(proposeCmd)
	policyCmd.AddCommand(applyCmd)
	policyCmd.AddCommand(rollbackCmd)
	policyCmd.AddCommand(logCmd)
	return policyCmd
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stores, _, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	doc, err := stores.Policies.CurrentDocument(ctx)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("no policy document is installed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func runPolicyPropose(cmd *cobra.Command, args []string) error {
	rawDeltas, _ := cmd.Flags().GetStringArray("set")
	if len(rawDeltas) == 0 {
		return fmt.Errorf("at least one --set name=value is required")
	}
	deltas, err := parseDeltas(rawDeltas)
	if err != nil {
		return err
	}
	scope, _ := cmd.Flags().GetString("scope")
	source, _ := cmd.Flags().GetString("source")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stores, _, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	gov := governance.NewEngine(stores.Policies, nil, nil, cfg.Governance)
	proposal, err := gov.Propose(ctx, scope, source, deltas)
	if err != nil {
		return err
	}

	fmt.Printf("Proposal %s recorded (status=%s, verdict=%s)\n", proposal.ID, proposal.Status, proposal.Verdict)
	if proposal.Notes != "" {
		fmt.Printf("  %s\n", proposal.Notes)
	}
	return nil
}

func runPolicyApply(cmd *cobra.Command, args []string) error {
	proposalID, _ := cmd.Flags().GetString("proposal")
	actor, _ := cmd.Flags().GetString("actor")
	reason, _ := cmd.Flags().GetString("reason")
	if proposalID == "" || actor == "" || reason == "" {
		return fmt.Errorf("--proposal, --actor, and --reason are all required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stores, _, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	gov := governance.NewEngine(stores.Policies, nil, nil, cfg.Governance)
	receipt, err := gov.Apply(ctx, proposalID, actor, reason)
	if err != nil {
		return err
	}

	fmt.Printf("Policy applied: application %s\n", receipt.ApplicationID)
	fmt.Printf("  hash %s -> %s\n", shortHash(receipt.PreviousHash), shortHash(receipt.NewHash))
	return nil
}

func runPolicyRollback(cmd *cobra.Command, args []string) error {
	applicationID, _ := cmd.Flags().GetString("application")
	actor, _ := cmd.Flags().GetString("actor")
	reason, _ := cmd.Flags().GetString("reason")
	if applicationID == "" || actor == "" || reason == "" {
		return fmt.Errorf("--application, --actor, and --reason are all required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stores, _, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	gov := governance.NewEngine(stores.Policies, nil, nil, cfg.Governance)
	receipt, err := gov.Rollback(ctx, applicationID, actor, reason)
	if err != nil {
		return err
	}

	fmt.Printf("Rollback applied: application %s\n", receipt.ApplicationID)
	fmt.Printf("  restored hash %s\n", shortHash(receipt.RestoredHash))
	return nil
}

func runPolicyLog(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	rollbacksOnly, _ := cmd.Flags().GetBool("rollbacks-only")
	actor, _ := cmd.Flags().GetString("actor")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stores, _, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	apps, err := stores.Policies.ListApplications(ctx, governance.ApplicationFilter{
		Actor:         actor,
		Limit:         limit,
		RollbacksOnly: rollbacksOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to list applications: %w", err)
	}
	if len(apps) == 0 {
		fmt.Println("No policy applications recorded")
		return nil
	}

	for _, app := range apps {
		kind := "apply"
		if app.RollbackOf != "" {
			kind = "rollback of " + shortHash(app.RollbackOf)
		}
		fmt.Printf("%s  %s  %s -> %s  %s by %s: %s\n",
			app.AppliedAt.Format(time.RFC3339),
			shortHash(app.ID),
			shortHash(app.PreviousHash),
			shortHash(app.NewHash),
			kind,
			app.Actor,
			app.Reason)
	}
	return nil
}

func parseDeltas(raw []string) (map[string]float64, error) {
	deltas := make(map[string]float64, len(raw))
	for _, entry := range raw {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("delta %q is not name=value", entry)
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("delta %q has a non-numeric value", entry)
		}
		deltas[strings.TrimSpace(name)] = parsed
	}
	return deltas, nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
