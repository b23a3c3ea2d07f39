package main

import (
	"github.com/spf13/cobra"

	"mediagen/internal/models"
)

func newRootCommand() *cobra.Command {
	var apiFlag string
	var sessionFlag string

	ctx := newCommandContext(&apiFlag, &sessionFlag)

	rootCmd := &cobra.Command{
		Use:           "mediagen",
		Short:         "Submit and track media-generation jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", "", "API base URL (overrides API_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "Session cookie value (overrides SESSION_COOKIE)")

	rootCmd.AddCommand(newSessionCommand(ctx))
	rootCmd.AddCommand(newTTSCommand(ctx))
	rootCmd.AddCommand(newLipsyncCommand(ctx))
	rootCmd.AddCommand(newUploadCommand(ctx, "upload-template", models.KindTemplateUpload))
	rootCmd.AddCommand(newUploadCommand(ctx, "upload-model", models.KindModelUpload))

	return rootCmd
}
