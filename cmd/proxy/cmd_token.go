package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <jwt>",
	Short: "Inspect a proxy auth token",
	Long: `token decodes a proxy auth token and prints its claims. The signature
is not checked; only the backend holds the secret.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(args[0], claims); err != nil {
			return fmt.Errorf("decode token: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if sub, ok := claims["sub"].(string); ok {
			fmt.Fprintf(w, "user\t%s\n", sub)
		}
		if email, ok := claims["email"].(string); ok {
			fmt.Fprintf(w, "email\t%s\n", email)
		}
		if iss, ok := claims["iss"].(string); ok {
			fmt.Fprintf(w, "issuer\t%s\n", iss)
		}
		if iat, ok := claims["iat"].(float64); ok {
			fmt.Fprintf(w, "issued\t%s\n", time.Unix(int64(iat), 0).Format(time.RFC3339))
		}
		if exp, ok := claims["exp"].(float64); ok {
			expiry := time.Unix(int64(exp), 0)
			status := "valid"
			if time.Now().After(expiry) {
				status = "expired"
			}
			fmt.Fprintf(w, "expires\t%s (%s)\n", expiry.Format(time.RFC3339), status)
		}
		return w.Flush()
	},
}
