package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yaotools/toolmeter/internal/ledger"
	"github.com/yaotools/toolmeter/internal/userstore"
)

var (
	flagGrantMemo      string
	flagGrantReference string
	flagHistoryLimit   int
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Inspect and adjust user balances",
}

var balanceShowCmd = &cobra.Command{
	Use:   "show <email>",
	Short: "Show a user's remaining uses and recent journal",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalanceShow,
}

var balanceGrantCmd = &cobra.Command{
	Use:   "grant <email> <amount>",
	Short: "Credit uses to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runBalanceGrant,
}

func init() {
	balanceShowCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "Journal entries to show")
	balanceGrantCmd.Flags().StringVar(&flagGrantMemo, "memo", "", "Note stored with the entry")
	balanceGrantCmd.Flags().StringVar(&flagGrantReference, "reference", "", "Idempotency reference; a repeated reference is applied once")

	balanceCmd.AddCommand(balanceShowCmd, balanceGrantCmd)
	rootCmd.AddCommand(balanceCmd)
}

func runBalanceShow(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	user, err := st.Identity.FindByEmail(ctx, userstore.NormalizeEmail(args[0]))
	if err != nil {
		return fmt.Errorf("find user %s: %w", args[0], err)
	}
	lg := ledger.New(st.Ledger, ledger.Options{InitialBalance: cfg.LedgerInitialBalance()})
	acct, err := lg.Account(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s) remaining uses: %d\n", user.Email, user.Role, acct.Balance())

	entries, err := lg.History(ctx, user.ID, flagHistoryLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.CreatedAt.UTC().Format(time.DateTime),
			string(e.Direction),
			strconv.FormatInt(e.Amount, 10),
			string(e.Reason),
			orDash(e.Reference),
			strconv.FormatInt(e.BalanceAfter, 10),
		})
	}
	fmt.Println(renderTable([]string{"When", "Direction", "Amount", "Reason", "Reference", "Balance"}, rows))
	return nil
}

func runBalanceGrant(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	cfg, st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	user, err := st.Identity.EnsureUser(ctx, userstore.NormalizeEmail(args[0]), userstore.RoleUser)
	if err != nil {
		return err
	}
	ref := flagGrantReference
	if ref == "" {
		ref = uuid.NewString()
	}
	lg := ledger.New(st.Ledger, ledger.Options{InitialBalance: cfg.LedgerInitialBalance()})
	balance, err := lg.Grant(ctx, user.ID, amount, "grant:"+ref, flagGrantMemo)
	if err != nil {
		return err
	}
	progress("granted %d to %s (reference %s)", amount, user.Email, ref)
	fmt.Printf("%s remaining uses: %d\n", user.Email, balance)
	return nil
}
