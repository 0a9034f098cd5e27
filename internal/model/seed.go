package model

import (
	"context"
	"strings"

	"petportrait/internal/config"
	"petportrait/internal/entity"

	"github.com/sirupsen/logrus"
)

// SeedAdminRoles promotes the users listed in ADMIN_EMAILS. Addresses that
// have not signed in yet are picked up on the next start.
func SeedAdminRoles(ctx context.Context, repo Repository, cfg config.Config) error {
	if repo == nil {
		return nil
	}
	emails := make([]string, 0, len(cfg.AdminEmails))
	for _, email := range cfg.AdminEmails {
		if trimmed := strings.TrimSpace(email); trimmed != "" {
			emails = append(emails, trimmed)
		}
	}
	if len(emails) == 0 {
		return nil
	}

	promoted, err := repo.SetRoleByEmail(ctx, emails, entity.UserRoleAdmin)
	if err != nil {
		return err
	}
	if promoted > 0 {
		logrus.WithField("count", promoted).Info("admin_roles_seeded")
	}
	return nil
}
