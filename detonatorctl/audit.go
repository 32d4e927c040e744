package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/animus-labs/detonator/internal/platform/auditlog"
	pgstore "github.com/animus-labs/detonator/internal/repo/postgres"
)

type session struct {
	store *pgstore.Store
	db    auditlog.QueryRower
}

// audit records an operator action. The action has already been applied, so
// a failed insert is reported on stderr instead of failing the command.
func (s *session) audit(ctx context.Context, action, resourceType, resourceID string, payload any) {
	if s == nil || s.db == nil {
		return
	}
	host, _ := os.Hostname()
	_, err := auditlog.Insert(ctx, s.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        operator(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Host:         host,
		Payload:      payload,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: audit %s %s: %v\n", action, resourceID, err)
	}
}

func operator() string {
	if v := strings.TrimSpace(viper.GetString("actor")); v != "" {
		return v
	}
	if u, err := user.Current(); err == nil && strings.TrimSpace(u.Username) != "" {
		return u.Username
	}
	if v := strings.TrimSpace(os.Getenv("USER")); v != "" {
		return v
	}
	return "unknown"
}
