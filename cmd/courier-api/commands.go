package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/push"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/sessions"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var userID, sessionID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			token, expiresIn, err := app.tokens.Issue(auth.Principal{UserID: userID, SessionID: sessionID})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session identifier")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newRescindCommand() *cobra.Command {
	var predicate push.Predicate
	var messageIDs string
	cmd := &cobra.Command{
		Use:   "rescind",
		Short: "Rescind delivered notifications for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			for _, id := range strings.Split(messageIDs, ",") {
				if trimmed := strings.TrimSpace(id); trimmed != "" {
					predicate.MessageIDs = append(predicate.MessageIDs, trimmed)
				}
			}
			report, err := app.push.Rescind(cmd.Context(), predicate)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rescinded=%d deliveries=%d failures=%d\n",
				report.Rescinded, report.Deliveries, report.Failures)
			return nil
		},
	}
	cmd.Flags().StringVar(&predicate.UserID, "user", "", "Recipient user identifier")
	cmd.Flags().StringVar(&predicate.ThreadID, "thread", "", "Restrict to one thread")
	cmd.Flags().StringVar(&predicate.CollapseKey, "collapse-key", "", "Restrict to one collapse key")
	cmd.Flags().StringVar(&messageIDs, "messages", "", "Comma separated message identifiers")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newProvisionSessionCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "provision-session",
		Short: "Create the notification encryption session for a device session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			key, err := sessions.NewKey(sessionID, sessions.KindNotification)
			if err != nil {
				return err
			}
			state, err := sessions.NewSessionState()
			if err != nil {
				return err
			}
			created, err := app.sessions.Create(cmd.Context(), key, state)
			if err != nil {
				return err
			}
			if !created {
				return errors.New("session already exists")
			}
			// The initial state is the receiver's copy; the server copy advances from here.
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(state))
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Device session identifier")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
