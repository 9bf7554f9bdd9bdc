// Command seed loads a YAML fixture file into the gateway database:
// users, organizations with their memberships, agent manifests and
// admission policies. It exists for local development and demo
// environments; running it twice against the same database fails on
// the unique constraints, which is the intended signal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/uapk-labs/gateway/pkg/auth"
	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/config"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/manifest"
	"github.com/uapk-labs/gateway/pkg/observability"
	"github.com/uapk-labs/gateway/pkg/store"
)

type fixture struct {
	Users []struct {
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
	} `yaml:"users"`
	Orgs []struct {
		Name    string `yaml:"name"`
		Slug    string `yaml:"slug"`
		Owner   string `yaml:"owner"`
		Members []struct {
			Email string `yaml:"email"`
			Role  string `yaml:"role"`
		} `yaml:"members"`
		Manifests []struct {
			File     string `yaml:"file"`
			Activate bool   `yaml:"activate"`
		} `yaml:"manifests"`
		Policies []struct {
			Name        string         `yaml:"name"`
			Description string         `yaml:"description"`
			Type        string         `yaml:"type"`
			Scope       string         `yaml:"scope"`
			Priority    int            `yaml:"priority"`
			Rules       map[string]any `yaml:"rules"`
		} `yaml:"policies"`
	} `yaml:"orgs"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "seed.yaml", "fixture file to load")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := seed(context.Background(), *file); err != nil {
		fmt.Fprintf(stderr, "seed: %v\n", err)
		return 1
	}
	return 0
}

func seed(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogFormat, cfg.LogLevel)

	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Init(ctx); err != nil {
		return err
	}

	// Session minting is never used here but the auth service wants a
	// codec, so build one over a throwaway key.
	signer, err := crypto.NewSigner("seed")
	if err != nil {
		return err
	}
	codec, err := captoken.New(signer, nil, cfg.SecretKey, cfg.JWTAlgorithm, cfg.SessionExpiry())
	if err != nil {
		return err
	}
	authSvc := auth.NewService(st, codec, logger)
	manifests := manifest.NewService(st, logger)

	userIDs := make(map[string]string)
	for _, u := range fx.Users {
		created, err := authSvc.RegisterUser(ctx, u.Email, u.Password)
		if err != nil {
			return fmt.Errorf("user %s: %w", u.Email, err)
		}
		userIDs[u.Email] = created.ID
		logger.Info("seeded user", "email", u.Email)
	}

	for _, o := range fx.Orgs {
		ownerID, ok := userIDs[o.Owner]
		if !ok {
			return fmt.Errorf("org %s: owner %s not in users list", o.Slug, o.Owner)
		}
		org, err := authSvc.CreateOrganization(ctx, o.Name, o.Slug, ownerID)
		if err != nil {
			return fmt.Errorf("org %s: %w", o.Slug, err)
		}
		logger.Info("seeded org", "slug", o.Slug)

		for _, m := range o.Members {
			uid, ok := userIDs[m.Email]
			if !ok {
				return fmt.Errorf("org %s: member %s not in users list", o.Slug, m.Email)
			}
			if _, err := authSvc.AddMember(ctx, org.ID, uid, contracts.Role(m.Role)); err != nil {
				return fmt.Errorf("org %s member %s: %w", o.Slug, m.Email, err)
			}
		}

		for _, mf := range o.Manifests {
			body, err := os.ReadFile(mf.File)
			if err != nil {
				return fmt.Errorf("org %s manifest: %w", o.Slug, err)
			}
			created, err := manifests.Create(ctx, org.ID, body, "seeded from "+mf.File)
			if err != nil {
				return fmt.Errorf("org %s manifest %s: %w", o.Slug, mf.File, err)
			}
			if mf.Activate {
				if _, err := manifests.Activate(ctx, org.ID, created.ID); err != nil {
					return fmt.Errorf("org %s manifest %s: %w", o.Slug, mf.File, err)
				}
			}
			logger.Info("seeded manifest", "org", o.Slug, "uapk_id", created.UAPKID, "active", mf.Activate)
		}

		now := time.Now().UTC()
		for _, p := range o.Policies {
			// Rule keys in the fixture use the wire names, so round-trip
			// through JSON instead of tagging the contract type for YAML.
			var rules contracts.PolicyRules
			if p.Rules != nil {
				buf, err := json.Marshal(p.Rules)
				if err != nil {
					return fmt.Errorf("org %s policy %s: %w", o.Slug, p.Name, err)
				}
				if err := json.Unmarshal(buf, &rules); err != nil {
					return fmt.Errorf("org %s policy %s: %w", o.Slug, p.Name, err)
				}
			}
			pol := &contracts.Policy{
				ID:          uuid.NewString(),
				OrgID:       org.ID,
				Name:        p.Name,
				Description: p.Description,
				PolicyType:  contracts.PolicyType(p.Type),
				Scope:       contracts.PolicyScope(p.Scope),
				Priority:    p.Priority,
				Rules:       rules,
				Enabled:     true,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := st.CreatePolicy(ctx, pol); err != nil {
				return fmt.Errorf("org %s policy %s: %w", o.Slug, p.Name, err)
			}
			logger.Info("seeded policy", "org", o.Slug, "name", p.Name)
		}
	}

	logger.Info("seed complete", "users", len(fx.Users), "orgs", len(fx.Orgs))
	return nil
}
