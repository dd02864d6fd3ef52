package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the operator audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent operator actions",
	RunE:  listAudit,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain and its daily anchors",
	RunE:  verifyAudit,
}

var auditCount int

func init() {
	auditListCmd.Flags().IntVarP(&auditCount, "count", "n", 20, "Number of records to show")
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)
}

func listAudit(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.audit.Recent(auditCount)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	if jsonOutput() {
		if records == nil {
			records = []audit.Record{}
		}
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No audit records yet.")
		return nil
	}
	for _, r := range records {
		icon := "[OK]"
		switch r.Outcome {
		case audit.OutcomeFailure:
			icon = "[FAIL]"
		case audit.OutcomeRejected:
			icon = "[REJECTED]"
		}
		line := fmt.Sprintf("%s %s %-8s %-10s by %s (%dms)", icon, r.Timestamp[:19], r.Action, r.Version, r.InitiatedBy, r.DurationMs)
		if r.AttemptID != "" {
			line += " attempt=" + shortID(r.AttemptID)
		}
		if r.Error != "" {
			line += " " + styleDim.Render(r.Error)
		}
		fmt.Println(line)
	}
	return nil
}

func verifyAudit(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ok, index, err := a.audit.Verify()
	if err != nil {
		return fmt.Errorf("audit verification failed: %w", err)
	}
	broken, err := audit.CheckAnchors(a.audit)
	if err != nil {
		return fmt.Errorf("anchor check failed: %w", err)
	}

	if jsonOutput() {
		if broken == nil {
			broken = []string{}
		}
		if err := printJSON(map[string]any{"valid": ok, "first_invalid": index, "broken_anchors": broken}); err != nil {
			return err
		}
	} else {
		if ok {
			fmt.Println(styleSuccess.Render("Audit chain intact."))
		} else {
			fmt.Println(styleError.Render(fmt.Sprintf("Audit chain broken at record %d.", index)))
		}
		for _, date := range broken {
			fmt.Println(styleError.Render("Anchor mismatch for " + date))
		}
	}
	if !ok || len(broken) > 0 {
		return fmt.Errorf("audit log has been modified")
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
