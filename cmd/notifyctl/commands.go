package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lalithlochan/hrpulse/internal/identity"
	"github.com/lalithlochan/hrpulse/internal/sqs"
)

type notificationFlags struct {
	title    string
	message  string
	typ      string
	priority string
}

func (f *notificationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "Notification title")
	cmd.Flags().StringVarP(&f.message, "message", "m", "", "Notification body")
	cmd.Flags().StringVar(&f.typ, "type", "", "Notification type (Announcement, Leave, Payroll, ...)")
	cmd.Flags().StringVar(&f.priority, "priority", "", "Low, Normal, High or Critical")
	_ = cmd.MarkFlagRequired("message")
}

func (f *notificationFlags) build(action sqs.Action, users []string) sqs.Message {
	return sqs.Message{
		Action:   action,
		UserIDs:  users,
		Title:    f.title,
		Body:     f.message,
		Type:     f.typ,
		Priority: f.priority,
	}
}

func buildSendCmd(a *app, use, short string, action sqs.Action) *cobra.Command {
	var flags notificationFlags
	var user string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.enqueue(cmd, flags.build(action, []string{user}))
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&user, "user", "u", "", "Recipient user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildBulkCmd(a *app) *cobra.Command {
	var flags notificationFlags
	var users []string
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Send one notification to several users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.enqueue(cmd, flags.build(sqs.ActionSendBulk, users))
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVarP(&users, "user", "u", nil, "Recipient user id (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildMaintenanceCmd(a *app) *cobra.Command {
	var message, at string
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Broadcast a maintenance window to every connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduled, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			return a.enqueue(cmd, sqs.Message{
				Action:        sqs.ActionMaintenance,
				Body:          message,
				ScheduledTime: &scheduled,
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Maintenance message")
	cmd.Flags().StringVar(&at, "at", "", "Scheduled time, RFC 3339")
	_ = cmd.MarkFlagRequired("message")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func buildTokenCmd(a *app) *cobra.Command {
	var id identity.Identity
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a hub token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			if err := id.Validate(); err != nil {
				return err
			}

			auth, err := identity.NewJWTAuthenticator(identity.JWTConfig{
				Secret:   cfg.JWTSecret,
				Issuer:   cfg.JWTIssuer,
				TokenTTL: ttl,
			})
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&id.UserID, "user", "u", "", "User id")
	cmd.Flags().StringVarP(&id.EmployeeID, "employee", "e", "", "Employee id")
	cmd.Flags().StringVar(&id.BranchID, "branch", "", "Branch id")
	cmd.Flags().StringVar(&id.OrganizationID, "org", "", "Organization id")
	cmd.Flags().StringVar(&id.Role, "role", "", "Role (Admin, SuperAdmin, ...)")
	cmd.Flags().DurationVar(&ttl, "ttl", identity.DefaultTokenTTL, "Token lifetime")
	return cmd
}

func (a *app) enqueue(cmd *cobra.Command, msg sqs.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	producer, err := a.newEnqueuer(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	id, err := producer.Enqueue(cmd.Context(), msg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s)\n", id, msg.Action)
	return nil
}
