package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ruteri/wallet-kms/kms"
	"github.com/ruteri/wallet-kms/secret"
	"github.com/urfave/cli/v2"
)

var flagTargetUser = &cli.StringFlag{
	Name:     "target-user",
	Required: true,
	Usage:    "user id to add, remove or change",
}
var flagNewPasswordEnv = &cli.StringFlag{
	Name:  "new-password-env",
	Value: "KMS_NEW_PASSWORD",
	Usage: "name of the environment variable holding the new user's password",
}

var usersCommand = &cli.Command{
	Name:  "users",
	Usage: "Manage the users that can unlock the store",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List user ids",
			Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
				users, err := s.ListUsers()
				if err != nil {
					return err
				}
				for _, u := range users {
					fmt.Fprintln(cCtx.App.Writer, u)
				}
				return nil
			}),
		},
		{
			Name:  "add",
			Usage: "Add a user sharing the store master key",
			Flags: []cli.Flag{flagTargetUser, flagNewPasswordEnv},
			Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
				password, err := newPassword(cCtx)
				if err != nil {
					return err
				}
				defer password.Destroy()

				userID := cCtx.String(flagTargetUser.Name)
				if err := s.AddUser(userID, password); err != nil {
					return err
				}
				log.Info("Added user", "user", userID)
				return nil
			}),
		},
		{
			Name:  "passwd",
			Usage: "Change a user's password",
			Flags: []cli.Flag{flagTargetUser, flagNewPasswordEnv},
			Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
				password, err := newPassword(cCtx)
				if err != nil {
					return err
				}
				defer password.Destroy()

				userID := cCtx.String(flagTargetUser.Name)
				if err := s.ChangePassword(userID, password); err != nil {
					return err
				}
				log.Info("Changed password", "user", userID)
				return nil
			}),
		},
		{
			Name:  "remove",
			Usage: "Remove a user",
			Flags: []cli.Flag{flagTargetUser},
			Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
				userID := cCtx.String(flagTargetUser.Name)
				if err := s.RemoveUser(userID); err != nil {
					return err
				}
				log.Info("Removed user", "user", userID)
				return nil
			}),
		},
	},
}

func newPassword(cCtx *cli.Context) (*secret.Secret, error) {
	name := cCtx.String(flagNewPasswordEnv.Name)
	value, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("new password environment variable %s is not set", name)
	}
	return secret.FromString(value)
}
