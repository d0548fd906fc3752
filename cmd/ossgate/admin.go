package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ossgate/ossgate/internal/auth"
	"github.com/ossgate/ossgate/internal/catalog"
	"github.com/ossgate/ossgate/internal/uid"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	var user string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API token for a principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			raw, exp, err := tokens.Issue(user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().StringVar(&user, "user", "", "principal the token is issued to")
	issue.MarkFlagRequired("user")

	cmd.AddCommand(issue)
	return cmd
}

// principalOptions are the flags of principal add.
type principalOptions struct {
	parent    string
	capacity  int64
	bandwidth int64
	days      int
	accessKey bool
	allowIP   string
}

func newPrincipalCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Manage principals",
	}

	p := &principalOptions{}
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create or update a principal with its quotas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return addPrincipal(cmd, opts, p, args[0])
		},
	}
	f := add.Flags()
	f.StringVar(&p.parent, "parent", "", "parent principal of a sub-user")
	f.Int64Var(&p.capacity, "capacity", 0, "storage quota in GiB")
	f.Int64Var(&p.bandwidth, "bandwidth", 0, "download quota in MiB/s")
	f.IntVar(&p.days, "days", 365, "quota validity in days")
	f.BoolVar(&p.accessKey, "access-key", false, "also create an access key pair")
	f.StringVar(&p.allowIP, "allow-ip", "*", "client address the access key is bound to")

	cmd.AddCommand(add)
	return cmd
}

func addPrincipal(cmd *cobra.Command, opts *rootOptions, po *principalOptions, username string) error {
	ctx := cmd.Context()
	store, err := opts.openCatalog()
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now().UTC()
	p := &catalog.PrincipalRecord{Username: username, Active: true, CreatedAt: now}
	if po.parent != "" {
		parent, err := store.GetPrincipal(ctx, po.parent)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("parent principal %q does not exist", po.parent)
		}
		p.ParentUID = parent.Username
		p.RootUID = parent.RootUID
		if p.RootUID == "" {
			p.RootUID = parent.Username
		}
	}
	if err := store.PutPrincipal(ctx, p); err != nil {
		return err
	}

	quotas := map[catalog.QuotaKind]int64{
		catalog.QuotaCapacity:  po.capacity,
		catalog.QuotaBandwidth: po.bandwidth,
	}
	for kind, value := range quotas {
		if value <= 0 {
			continue
		}
		q := &catalog.QuotaRecord{Owner: p.Username, Kind: kind, Value: value, StartTime: now, DurationDays: po.days}
		if err := store.PutQuota(ctx, q); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "principal %s saved\n", p.Username)
	if !po.accessKey {
		return nil
	}
	k := &catalog.AccessKeyRecord{
		AccessKey: strings.ToUpper(uid.Suffix(20)),
		SecretKey: uid.Suffix(40),
		Owner:     p.Username,
		AllowIP:   po.allowIP,
		Active:    true,
		CreatedAt: now,
	}
	if err := store.PutAccessKey(ctx, k); err != nil {
		return err
	}
	fmt.Fprintf(out, "access_key %s\nsecret_key %s\n", k.AccessKey, k.SecretKey)
	return nil
}
