package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gamelaunchercloud/glc/pkg/settings"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var loginAPIKey string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with an API key",
	Long: `Exchange an API key for a session token and store it. Without --api-key
the key saved for the configured environment is reused.`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored session",
	RunE:  runWhoami,
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
	loginCmd.Flags().StringVar(&loginAPIKey, "api-key", "", "API key from the dashboard")
}

func runLogin(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}

	env := sess.cfg.Settings.Environment
	keyName := settings.APIKeyKey(env)

	apiKey := strings.TrimSpace(loginAPIKey)
	if apiKey == "" {
		apiKey, _ = sess.settings.Get(keyName)
	}

	if apiKey == "" {
		return errors.New("an API key is required (use --api-key)")
	}

	result, err := sess.client.Login(cmd.Context(), apiKey)
	if err != nil {
		return err
	}

	sess.settings.Set(settings.KeyAuthToken, result.Token)
	sess.settings.Set(settings.KeyUserEmail, result.Email)
	sess.settings.Set(settings.KeyUserPlan, result.PlanName)
	sess.settings.Set(settings.KeyAPIURL, sess.baseURL)
	sess.settings.Set(keyName, apiKey)

	if err := sess.settings.Save(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	log.WithFields(logrus.Fields{
		"user":        result.Username,
		"email":       result.Email,
		"plan":        result.PlanName,
		"environment": env,
	}).Info("Logged in")

	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}

	sess.client.Logout()
	sess.settings.ClearSession()

	if err := sess.settings.Save(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	log.Info("Logged out")

	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}

	profile, err := sess.settings.Profile()
	if err != nil {
		return err
	}

	if profile.AuthToken == "" {
		fmt.Println("Not logged in. Run `glc login`.")

		return nil
	}

	fmt.Printf("Email:  %s\n", profile.UserEmail)
	fmt.Printf("Plan:   %s\n", profile.UserPlan)
	fmt.Printf("Server: %s\n", sess.baseURL)

	return nil
}
