package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"billingsync/internal/models"
	"billingsync/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	userEmail string
	userName  string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Create and look up users for local development",
}

var usersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Insert a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		email := strings.TrimSpace(userEmail)
		if email == "" {
			return errors.New("--email is required")
		}

		cfg, err := loadConfig("users")
		if err != nil {
			return err
		}
		pool, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		user := &models.User{ID: uuid.New(), Email: email, Name: userName}
		if err := repositories.NewUserRepo(pool).Create(cmd.Context(), user); err != nil {
			return err
		}
		log.Info().Str("user_id", user.ID.String()).Str("email", email).Msg("user created")
		fmt.Fprintln(cmd.OutOrStdout(), user.ID)
		return nil
	},
}

var usersShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a user by email",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("users")
		if err != nil {
			return err
		}
		pool, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		user, err := repositories.NewUserRepo(pool).GetByEmail(cmd.Context(), strings.TrimSpace(userEmail))
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("no user with email %q", userEmail)
		}
		out, err := json.MarshalIndent(user, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	usersAddCmd.Flags().StringVar(&userEmail, "email", "", "email address")
	usersAddCmd.Flags().StringVar(&userName, "name", "", "display name")
	usersShowCmd.Flags().StringVar(&userEmail, "email", "", "email address")
	_ = usersShowCmd.MarkFlagRequired("email")
	usersCmd.AddCommand(usersAddCmd, usersShowCmd)
}
