package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yaotools/toolmeter/internal/redeem"
)

var (
	flagCodeCount     int
	flagCodeUses      int64
	flagCodeUnlimited bool
	flagCodeCreatedBy string
	flagCodeUsed      string
	flagCodeLimit     int
)

var codesCmd = &cobra.Command{
	Use:   "codes",
	Short: "Manage redemption codes",
}

var codesGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Mint new redemption codes",
	RunE:  runCodesGenerate,
}

var codesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List redemption codes",
	RunE:  runCodesList,
}

func init() {
	g := codesGenerateCmd.Flags()
	g.IntVarP(&flagCodeCount, "count", "c", 1, "Number of codes")
	g.Int64VarP(&flagCodeUses, "uses", "u", 10, "Uses credited per code")
	g.BoolVar(&flagCodeUnlimited, "unlimited", false, "Mint unlimited codes")
	g.StringVar(&flagCodeCreatedBy, "created-by", "cli", "Recorded creator")

	l := codesListCmd.Flags()
	l.StringVar(&flagCodeUsed, "used", "", "Filter by state: true or false")
	l.IntVarP(&flagCodeLimit, "limit", "n", 50, "Maximum rows")

	codesCmd.AddCommand(codesGenerateCmd, codesListCmd)
	rootCmd.AddCommand(codesCmd)
}

func runCodesGenerate(cmd *cobra.Command, _ []string) error {
	_, st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	progress("minting %d code(s)", flagCodeCount)
	codes, err := redeem.NewGenerator(st.Codes).Generate(cmd.Context(), flagCodeCount, flagCodeUses, flagCodeUnlimited, flagCodeCreatedBy)
	if err != nil {
		return err
	}
	for _, c := range codes {
		fmt.Println(c.Code)
	}
	return nil
}

func runCodesList(cmd *cobra.Command, _ []string) error {
	filter := redeem.Filter{Limit: flagCodeLimit}
	if flagCodeUsed != "" {
		used, err := strconv.ParseBool(flagCodeUsed)
		if err != nil {
			return fmt.Errorf("--used: %w", err)
		}
		filter.Used = &used
	}
	_, st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	codes, err := st.Codes.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list codes: %w", err)
	}
	if len(codes) == 0 {
		fmt.Println("no codes")
		return nil
	}
	fmt.Println(renderTable([]string{"Code", "Uses", "Used", "Used By", "Created By", "Created"}, codeRows(codes)))
	return nil
}

func codeRows(codes []redeem.Code) [][]string {
	rows := make([][]string, 0, len(codes))
	for _, c := range codes {
		uses := strconv.FormatInt(c.Uses, 10)
		if c.Unlimited() {
			uses = "unlimited"
		}
		rows = append(rows, []string{
			c.Code,
			uses,
			strconv.FormatBool(c.IsUsed),
			orDash(c.UsedBy),
			orDash(c.CreatedBy),
			c.CreatedAt.UTC().Format(time.DateTime),
		})
	}
	return rows
}
