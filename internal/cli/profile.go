package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/dojang/internal/engine"
	"github.com/example/dojang/pkg/models"
)

func newProfileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage learner profiles",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.engine.CreateProfile(cmd.Context(), profileParams(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	profileFlags(create)
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := a.engine.ListProfiles(cmd.Context())
			if err != nil {
				return err
			}
			if profiles == nil {
				profiles = []models.Profile{}
			}
			return printJSON(cmd.OutOrStdout(), profiles)
		},
	}

	activate := &cobra.Command{
		Use:   "activate <profile-id>",
		Short: "Mark a profile as the one in use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.engine.ActivateProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}

	update := &cobra.Command{
		Use:   "update <profile-id>",
		Short: "Change a profile's name, belt or learning mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := a.engine.GetProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			params := engine.ProfileParams{
				Name:         current.Name,
				BeltLevel:    current.BeltLevel,
				LearningMode: current.LearningMode,
			}
			if cmd.Flags().Changed("name") {
				params.Name, _ = cmd.Flags().GetString("name")
			}
			if cmd.Flags().Changed("belt") {
				params.BeltLevel, _ = cmd.Flags().GetInt("belt")
			}
			if cmd.Flags().Changed("mode") {
				mode, _ := cmd.Flags().GetString("mode")
				params.LearningMode = models.LearningMode(mode)
			}
			p, err := a.engine.UpdateProfile(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	profileFlags(update)

	del := &cobra.Command{
		Use:   "delete <profile-id>",
		Short: "Delete a profile and its card states; the session log is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.DeleteProfile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, activate, update, del)
	return cmd
}

func profileFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "Profile name")
	cmd.Flags().Int("belt", 1, "Active belt level")
	cmd.Flags().String("mode", string(models.ModeProgression), "Learning mode: progression or mastery")
}

func profileParams(cmd *cobra.Command) engine.ProfileParams {
	name, _ := cmd.Flags().GetString("name")
	belt, _ := cmd.Flags().GetInt("belt")
	mode, _ := cmd.Flags().GetString("mode")
	return engine.ProfileParams{Name: name, BeltLevel: belt, LearningMode: models.LearningMode(mode)}
}
