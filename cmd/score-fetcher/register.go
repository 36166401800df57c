package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
	"github.com/spf13/cobra"
)

type registerOptions struct {
	name         string
	accessToken  string
	refreshToken string
	expiresIn    time.Duration
	reset        bool
	verify       bool
}

func newRegisterCmd(a *app) *cobra.Command {
	opts := &registerOptions{}

	cmd := &cobra.Command{
		Use:   "register <subject-id>",
		Short: "Register a player and store their OAuth tokens",
		Long: `Register inserts a player, or replaces the name and tokens of an
existing one. A completed import stays completed unless --reset is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid subject id %q", args[0])
			}
			return a.register(cmd, id, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "display name")
	f.StringVar(&opts.accessToken, "access-token", "", "OAuth access token")
	f.StringVar(&opts.refreshToken, "refresh-token", "", "OAuth refresh token")
	f.DurationVar(&opts.expiresIn, "expires-in", 24*time.Hour, "access token lifetime from now")
	f.BoolVar(&opts.reset, "reset", false, "clear the completion marker so the player can be imported again")
	f.BoolVar(&opts.verify, "verify", false, "check the access token against the API before storing it (costs one call)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func (a *app) register(cmd *cobra.Command, id int64, opts *registerOptions) error {
	ctx := cmd.Context()

	subject := osu.Subject{
		ID:          id,
		DisplayName: opts.name,
		Credential: osu.Credential{
			AccessToken:  opts.accessToken,
			RefreshToken: opts.refreshToken,
			ExpiresAt:    time.Now().Add(opts.expiresIn),
		},
	}
	if subject.Credential.Missing() {
		return fmt.Errorf("an access token or a refresh token is required")
	}

	d, err := openDeps(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if opts.verify {
		limiter, err := newLimiter(a.cfg, d)
		if err != nil {
			return err
		}
		osuClient, err := newClient(a.cfg, limiter)
		if err != nil {
			return err
		}
		if !osuClient.CredentialIsValid(ctx, subject) {
			return fmt.Errorf("access token does not authenticate subject %d", id)
		}
	}

	if err := d.store.RegisterSubject(ctx, subject); err != nil {
		return err
	}
	if opts.reset {
		if err := d.store.ResetFetchCompleted(ctx, id); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "registered %d (%s), token expires %s\n",
		id, opts.name, subject.Credential.ExpiresAt.Format(time.RFC3339))
	return nil
}
