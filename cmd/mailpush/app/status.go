package app

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"mailpush/internal/database"
	"mailpush/internal/models"
	"mailpush/internal/repository"
	"mailpush/internal/services"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which accounts would push",
		Long: `Evaluate the stored settings of every account and print whether it needs a ping
and, if not, why. Nothing is started.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := database.Open(databaseConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	accounts := repository.NewEmailAccountRepository(db).WithContext(cmd.Context())
	resolver := services.NewAccountPushResolver(accounts, repository.NewMailboxRepository(db), heartbeatPolicy(cfg))

	all, err := accounts.GetAll()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	decisions := make([]services.PushDecision, 0, len(all))
	for _, a := range all {
		d, err := resolver.Decide(cmd.Context(), a.ID)
		if err != nil {
			return err
		}
		decisions = append(decisions, d)
	}
	return printStatus(cmd.OutOrStdout(), all, decisions)
}

// printStatus renders one row per account; decisions[i] belongs to accounts[i].
func printStatus(w io.Writer, accounts []models.EmailAccount, decisions []services.PushDecision) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Email", "Push", "Reason", "Folders", "Heartbeat")
	for i, a := range accounts {
		d := decisions[i]
		heartbeat := "-"
		if a.PingDuration > 0 {
			heartbeat = a.PingDuration.String()
		}
		if err := table.Append([]string{
			strconv.FormatUint(uint64(a.ID), 10),
			a.EmailAddress,
			strconv.FormatBool(d.Push),
			d.Reason,
			strings.Join(d.Folders, ","),
			heartbeat,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
