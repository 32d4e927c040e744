package postgres

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	cfg := Config{URL: "postgres://x", PingTimeout: 1, MaxOpenConns: 2, MaxIdleConns: 3}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when idle > open")
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	cfg := Config{URL: "", PingTimeout: 0, MaxOpenConns: 0, ConnMaxLifetime: -1}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"url is empty", "ping timeout", "max open conns", "lifetimes"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestConfigValidateRejectsUnparseableURL(t *testing.T) {
	cfg := Config{URL: "postgres://host:notaport/db", PingTimeout: time.Second, MaxOpenConns: 1}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "database url") {
		t.Fatalf("expected url error, got %v", err)
	}
}

func TestConnConfigTagsApplicationName(t *testing.T) {
	for _, url := range []string{
		"postgres://u:p@localhost:5432/db?sslmode=disable",
		"host=localhost port=5432 user=u dbname=db sslmode=disable",
	} {
		cc, err := Config{URL: url, ApplicationName: "detonator-test"}.connConfig()
		if err != nil {
			t.Fatalf("connConfig(%q): %v", url, err)
		}
		if got := cc.RuntimeParams["application_name"]; got != "detonator-test" {
			t.Fatalf("application_name for %q = %q", url, got)
		}
		if cc.Database != "db" {
			t.Fatalf("database for %q = %q", url, cc.Database)
		}
	}
}

func TestForCLINarrowsHandle(t *testing.T) {
	base := Config{
		URL:             "postgres://x",
		ApplicationName: "detonator",
		PingTimeout:     time.Second,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		Migrate:         true,
	}
	cli := base.ForCLI()
	if cli.Migrate {
		t.Fatalf("cli handle must not migrate")
	}
	if cli.MaxOpenConns != 2 || cli.MaxIdleConns != 1 {
		t.Fatalf("pool = %d/%d", cli.MaxOpenConns, cli.MaxIdleConns)
	}
	if cli.ApplicationName != "detonatorctl" {
		t.Fatalf("application name = %q", cli.ApplicationName)
	}
	if err := cli.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !base.Migrate || base.MaxOpenConns != 20 {
		t.Fatalf("ForCLI mutated the receiver")
	}

	custom := base
	custom.ApplicationName = "ops-shell"
	if got := custom.ForCLI().ApplicationName; got != "ops-shell" {
		t.Fatalf("custom application name overwritten: %q", got)
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Name, migrations[i].Name)
		}
	}
	if !strings.Contains(migrations[0].UpSQL, "UNIQUE (job_id, external_id)") {
		t.Fatalf("expected alert dedup constraint in initial schema")
	}
	last := migrations[len(migrations)-1]
	if !strings.Contains(last.UpSQL, "audit_events") {
		t.Fatalf("expected audit table migration, got %s", last.Name)
	}
}
