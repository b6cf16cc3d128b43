package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file in migrations: %s", entry.Name())
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestUpMigrationsAreOrdered(t *testing.T) {
	versions, err := upMigrations(Migrations())
	if err != nil {
		t.Fatalf("upMigrations() error = %v", err)
	}
	if len(versions) < 3 {
		t.Fatalf("expected at least 3 up migrations, got %v", versions)
	}
	if !strings.HasPrefix(versions[0], "0001_") {
		t.Fatalf("first migration = %s, want 0001_*", versions[0])
	}
	for i := 1; i < len(versions); i++ {
		if versions[i-1] >= versions[i] {
			t.Fatalf("migrations out of order: %v", versions)
		}
	}
}

func TestInitMigrationDeclaresCascades(t *testing.T) {
	contents, err := fs.ReadFile(Migrations(), "0001_init.up.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	sql := string(contents)
	for _, fragment := range []string{
		"REFERENCES confessions(id) ON DELETE CASCADE",
		"REFERENCES comments(id) ON DELETE CASCADE",
		"PRIMARY KEY (comment_id, participant_id, slot)",
	} {
		if !strings.Contains(sql, fragment) {
			t.Fatalf("init migration missing %q", fragment)
		}
	}
}
