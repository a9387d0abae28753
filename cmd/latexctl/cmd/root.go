package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var jsonOut bool

var rootCmd = &cobra.Command{
	Use:   "latexctl",
	Short: "Command-line client for latexd",
	Long: `latexctl is a developer convenience client for a running latexd
instance.

Examples:
  latexctl submit ./paper.zip --entrypoint main.tex --out paper.pdf
  latexctl submit-project my-project-id --out paper.pdf
  latexctl health`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "latexd base URL")
	rootCmd.PersistentFlags().String("api-key", "", "bearer token (or set LATEXCTL_API_KEY)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON instead of text")

	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}

func initConfig() {
	viper.SetEnvPrefix("LATEXCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func serverURL() string {
	return viper.GetString("server")
}

func apiKey() string {
	return viper.GetString("api-key")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}
