package domain

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

var (
	migrationIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	identifierPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	databaseKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// MaxMigrationIDLen keeps derived table names (migrate_message_<id>) under
// the 64 byte identifier ceiling of MySQL.
const MaxMigrationIDLen = 48

// ValidateMigrationID validates a migration machine name.
func ValidateMigrationID(id string) error {
	if len(id) > MaxMigrationIDLen {
		return fmt.Errorf("invalid migration id %q: longer than %d bytes", id, MaxMigrationIDLen)
	}
	if !migrationIDPattern.MatchString(id) {
		return fmt.Errorf("invalid migration id %q: must match ^[a-z][a-z0-9_]*$", id)
	}
	return nil
}

// ValidateIdentifier validates a SQL table or column name.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// ValidateIDType validates an id column type.
func ValidateIDType(t IDType) error {
	switch t {
	case IDTypeInteger, IDTypeString:
		return nil
	default:
		return fmt.Errorf("invalid id type %q: must be one of: integer, string", t)
	}
}

// ValidateIDList validates an id schema.
func ValidateIDList(ids []IDDefinition) error {
	if len(ids) == 0 {
		return fmt.Errorf("no ids defined")
	}
	seen := make(map[string]bool, len(ids))
	for _, def := range ids {
		if def.Name == "" {
			return fmt.Errorf("id name cannot be empty")
		}
		if seen[def.Name] {
			return fmt.Errorf("duplicate id %q", def.Name)
		}
		seen[def.Name] = true
		if err := ValidateIDType(def.Type); err != nil {
			return err
		}
	}
	return nil
}

// ValidateVersion validates a migration version. Empty is allowed.
func ValidateVersion(v string) error {
	if v == "" {
		return nil
	}
	if _, err := semver.NewVersion(v); err != nil {
		return fmt.Errorf("invalid version %q: %w", v, err)
	}
	return nil
}

// ValidateDriver validates a connection driver name.
func ValidateDriver(driver string) error {
	switch driver {
	case "mysql", "sqlite3":
		return nil
	default:
		return fmt.Errorf("invalid driver %q: must be one of: mysql, sqlite3", driver)
	}
}

// ValidateDatabaseKey validates a connection registry key.
func ValidateDatabaseKey(key string) error {
	if !databaseKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid database key %q: must match ^[a-z0-9][a-z0-9_-]*$", key)
	}
	return nil
}

// Validate checks the static shape of a migration definition.
func (m *Migration) Validate() error {
	if err := ValidateMigrationID(m.ID); err != nil {
		return ConfigError("%v", err)
	}
	if err := ValidateVersion(m.Version); err != nil {
		return ConfigError("migration %s: %v", m.ID, err)
	}
	if m.Source.Plugin == "" {
		return ConfigError("migration %s: no source plugin defined", m.ID)
	}
	if m.Destination.Plugin == "" {
		return ConfigError("migration %s: no destination plugin defined", m.ID)
	}
	for _, fp := range m.Process {
		for i, step := range fp.Steps {
			if step.Plugin == "" {
				return ConfigError("migration %s: process %q step %d has no plugin", m.ID, fp.Field, i)
			}
		}
	}
	for _, dep := range m.Dependencies.All() {
		if dep == m.ID {
			return ConfigError("migration %s depends on itself", m.ID)
		}
	}
	return nil
}
