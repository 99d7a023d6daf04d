package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/auth"
	walletconfig "github.com/AvaProtocol/ap-wallet/core/config"
)

var (
	apiKeyRoles   []string
	apiKeySubject string
	apiKeyTTL     time.Duration

	createApiKey = &cobra.Command{
		Use:   "create-api-key",
		Short: "Create a long lived JWT key for the daemon's operation endpoint",
		Long: `Create a JWT key signed with jwt_secret from the config. A key with the
admin or readonly role can read operation records from /operations/<id>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := walletconfig.NewConfig(config)
			if err != nil {
				return fmt.Errorf("failed to parse config file %s: %w", config, err)
			}

			roles := make([]auth.ApiRole, len(apiKeyRoles))
			for i, v := range apiKeyRoles {
				roles[i] = auth.ApiRole(v)
			}

			key, err := auth.CreateAPIKey(cfg.JwtSecret, apiKeySubject, roles, apiKeyTTL, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
)

func init() {
	createApiKey.Flags().StringArrayVar(&apiKeyRoles, "role", []string{string(auth.ReadonlyRole)}, "Role for API Key")
	createApiKey.Flags().StringVarP(&apiKeySubject, "subject", "s", "admin", "subject name to be use for jwt api key")
	createApiKey.Flags().DurationVar(&apiKeyTTL, "ttl", 24*time.Hour*365, "How long the key stays valid")
	rootCmd.AddCommand(createApiKey)
}
