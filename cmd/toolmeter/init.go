package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yaotools/toolmeter/internal/bootstrap"
)

var initOpts bootstrap.InitOptions

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write config/setting.ini and an environment override file",
	RunE: func(_ *cobra.Command, _ []string) error {
		initOpts.Root = flagRoot
		if err := bootstrap.Init(initOpts); err != nil {
			return err
		}
		fmt.Printf("config written under %s/config\n", flagRoot)
		return nil
	},
}

func init() {
	f := initCmd.Flags()
	f.StringVar(&initOpts.Environment, "env", "dev", "Environment name")
	f.StringVar(&initOpts.AdminEmail, "admin-email", "", "Email that logs in as super admin")
	f.StringVar(&initOpts.HTTPAddress, "http-address", ":8090", "Daemon listen address")
	f.StringVar(&initOpts.DataDir, "data-dir", "", "Directory for SQLite files")
	f.StringVar(&initOpts.DatabaseURL, "database-url", "", "Postgres DSN; SQLite is used when empty")
	f.Int64Var(&initOpts.DefaultUses, "default-uses", 10, "Uses granted to new accounts")
	f.StringVar(&initOpts.ModelsFile, "models-file", "", "YAML model catalog seeded at startup")
	f.StringVar(&initOpts.ToolsFile, "tools-file", "", "YAML tool catalog seeded at startup")
	f.BoolVar(&initOpts.Force, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}
