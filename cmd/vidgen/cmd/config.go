package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Xseven888/Sora2-Video-Generator/internal/config"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/auth"
)

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and change settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after defaults, the config file and environment overrides are applied.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting in the config file",
	Long: `Change one setting in the config file. Known keys:
  ` + strings.Join(config.Keys, "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a bearer token for the local job API",
	Long: `Generate a new random token for watch --listen. Only its bcrypt hash is
stored (api.token_hash); the token is printed once and cannot be recovered.`,
	Args: cobra.NoArgs,
	RunE: runConfigToken,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configTokenCmd)

	configShowCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print the api key unredacted")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := *cfg
	if !showSecrets {
		shown = cfg.Redacted()
	}

	if IsJSONOutput() {
		return printJSON(shown)
	}

	fmt.Printf("# %s\n", cfg.File())
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(shown)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	if err := config.Set(cfg.File(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Set %s in %s\n", args[0], cfg.File())
	return nil
}

func runConfigToken(cmd *cobra.Command, args []string) error {
	token, hash, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	if err := config.Set(cfg.File(), "api.token_hash", hash); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(map[string]string{"token": token})
	}
	fmt.Println(token)
	fmt.Fprintln(os.Stderr, "Send it as 'Authorization: Bearer <token>'. It is not stored and will not be shown again.")
	return nil
}
