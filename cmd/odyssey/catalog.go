package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/cmd/odyssey/cli"
)

var (
	catalogCmd = &cobra.Command{
		Use:   "catalog",
		Short: "Inspect role and permission catalogs",
	}
	catalogValidateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Load a catalog file and print the permissions it resolves to",
		RunE:  runCatalogValidate,
	}
	catalogFile string
	catalogJSON bool
)

func init() {
	defaultPath := os.Getenv("CATALOG_PATH")
	if defaultPath == "" {
		defaultPath = "config/catalog.yaml"
	}
	catalogValidateCmd.Flags().StringVarP(&catalogFile, "file", "f", defaultPath, "catalog YAML file")
	catalogValidateCmd.Flags().BoolVar(&catalogJSON, "json", false, "emit JSON")
	catalogCmd.AddCommand(catalogValidateCmd)
}

func runCatalogValidate(cmd *cobra.Command, _ []string) error {
	code := cli.ValidateCatalogCommand(cli.CatalogValidateOptions{
		Path:       catalogFile,
		JSONOutput: catalogJSON,
		Stdout:     cmd.OutOrStdout(),
		Stderr:     cmd.ErrOrStderr(),
	})
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
