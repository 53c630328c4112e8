package destination

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/upm/internal/connections"
	"github.com/lherron/upm/internal/domain"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sirupsen/logrus"
)

const (
	GenerateAutoincrement = "autoincrement"
	GenerateUUID          = "uuid"
)

type tableSettings struct {
	Key   string `yaml:"key"`
	Table string `yaml:"table"`
	ID    struct {
		Name string        `yaml:"name"`
		Type domain.IDType `yaml:"type"`
	} `yaml:"id"`
	Generate string `yaml:"id_generation"`
	// Fields restricts which destination properties are written.
	Fields       []string       `yaml:"fields"`
	StubDefaults map[string]any `yaml:"stub_defaults"`
}

// Table writes rows into one table of a registered database.
type Table struct {
	migrationID string
	settings    tableSettings
	ids         []domain.IDDefinition
	conns       *connections.Registry
	log         logrus.FieldLogger
}

func newTable(migrationID string, cfg domain.PluginConfig, env Env) (Destination, error) {
	return NewTable(migrationID, cfg, env)
}

// NewTable builds a table destination.
func NewTable(migrationID string, cfg domain.PluginConfig, env Env) (*Table, error) {
	var s tableSettings
	if err := cfg.Decode(&s); err != nil {
		return nil, domain.ConfigError("%s: destination: %v", migrationID, err)
	}
	if s.Table == "" {
		return nil, domain.ConfigError("%s: table destination requires a table", migrationID)
	}
	if s.ID.Name == "" {
		s.ID.Name = "id"
	}
	if s.ID.Type == "" {
		s.ID.Type = domain.IDTypeInteger
	}
	if s.Generate == "" {
		s.Generate = GenerateAutoincrement
		if s.ID.Type == domain.IDTypeString {
			s.Generate = GenerateUUID
		}
	}
	for _, name := range append([]string{s.Table, s.ID.Name}, s.Fields...) {
		if err := domain.ValidateIdentifier(name); err != nil {
			return nil, domain.ConfigError("%s: destination: %v", migrationID, err)
		}
	}
	if err := domain.ValidateIDType(s.ID.Type); err != nil {
		return nil, domain.ConfigError("%s: destination id: %v", migrationID, err)
	}
	switch {
	case s.Generate == GenerateAutoincrement && s.ID.Type != domain.IDTypeInteger:
		return nil, domain.ConfigError("%s: autoincrement ids must be integers", migrationID)
	case s.Generate == GenerateUUID && s.ID.Type != domain.IDTypeString:
		return nil, domain.ConfigError("%s: uuid ids must be strings", migrationID)
	case s.Generate != GenerateAutoincrement && s.Generate != GenerateUUID:
		return nil, domain.ConfigError("%s: unknown id_generation %q", migrationID, s.Generate)
	}
	if env.Connections == nil {
		return nil, domain.ConfigError("%s: no database registry available", migrationID)
	}
	log := env.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Table{
		migrationID: migrationID,
		settings:    s,
		ids:         []domain.IDDefinition{{Name: s.ID.Name, Type: s.ID.Type}},
		conns:       env.Connections,
		log:         log.WithField("table", s.Table),
	}, nil
}

func (t *Table) IDs() []domain.IDDefinition {
	return t.ids
}

// Import inserts a new record or updates the one the row is mapped to.
func (t *Table) Import(ctx context.Context, row *domain.Row) ([]any, error) {
	conn, err := t.conns.Open(ctx, t.settings.Key)
	if err != nil {
		return nil, err
	}
	values, err := t.values(row)
	if err != nil {
		return nil, err
	}

	if row.NeedsUpdate() {
		id, err := t.ids[0].Normalize(row.IDMap().DestIDs[0])
		if err != nil {
			return nil, err
		}
		if row.IDMap().Status == domain.StatusNeedsUpdate && !row.IsStub() {
			t.logEnrichment(ctx, conn, id, values)
		}
		updated, err := t.update(ctx, conn, id, values)
		if err != nil {
			return nil, err
		}
		if updated {
			return []any{id}, nil
		}
		// The mapped record is gone; write it again under the same id.
		if err := t.insertWithID(ctx, conn, id, values); err != nil {
			return nil, err
		}
		return []any{id}, nil
	}

	if t.settings.Generate == GenerateUUID {
		id := uuid.New().String()
		if err := t.insertWithID(ctx, conn, id, values); err != nil {
			return nil, err
		}
		return []any{id}, nil
	}
	return t.insertAuto(ctx, conn, values)
}

// Rollback deletes the record with destIDs.
func (t *Table) Rollback(ctx context.Context, destIDs []any) error {
	if len(destIDs) == 0 {
		return nil
	}
	conn, err := t.conns.Open(ctx, t.settings.Key)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(t.settings.Table), quote(t.settings.ID.Name))
	if _, err := conn.DB.ExecContext(ctx, query, destIDs[0]); err != nil {
		return fmt.Errorf("failed to delete %s %v: %w", t.settings.Table, destIDs[0], err)
	}
	return nil
}

func (t *Table) values(row *domain.Row) (map[string]any, error) {
	out := map[string]any{}
	if row.IsStub() {
		for k, v := range t.settings.StubDefaults {
			out[k] = v
		}
	}
	for k, v := range row.Destination() {
		if v == nil && row.IsStub() {
			if _, ok := out[k]; ok {
				continue
			}
		}
		out[k] = v
	}
	if len(t.settings.Fields) > 0 {
		allowed := make(map[string]bool, len(t.settings.Fields))
		for _, f := range t.settings.Fields {
			allowed[f] = true
		}
		for k := range out {
			if !allowed[k] {
				delete(out, k)
			}
		}
	}
	delete(out, t.settings.ID.Name)

	for k, v := range out {
		if err := domain.ValidateIdentifier(k); err != nil {
			return nil, fmt.Errorf("destination property: %w", err)
		}
		cv, err := columnValue(v)
		if err != nil {
			return nil, fmt.Errorf("destination property %s: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

// columnValue flattens nested values to JSON text.
func columnValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, []byte:
		return v, nil
	case time.Time:
		return x.UTC(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

func (t *Table) insertAuto(ctx context.Context, conn *connections.Conn, values map[string]any) ([]any, error) {
	cols := sortedKeys(values)
	var query string
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = values[c]
	}
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (NULL)", quote(t.settings.Table), quote(t.settings.ID.Name))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(t.settings.Table), quoteAll(cols), placeholders(len(cols)))
	}
	res, err := conn.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", t.settings.Table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read id of %s record: %w", t.settings.Table, err)
	}
	return []any{id}, nil
}

func (t *Table) insertWithID(ctx context.Context, conn *connections.Conn, id any, values map[string]any) error {
	cols := append([]string{t.settings.ID.Name}, sortedKeys(values)...)
	args := make([]any, len(cols))
	args[0] = id
	for i, c := range cols[1:] {
		args[i+1] = values[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(t.settings.Table), quoteAll(cols), placeholders(len(cols)))
	if _, err := conn.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", t.settings.Table, err)
	}
	return nil
}

func (t *Table) update(ctx context.Context, conn *connections.Conn, id any, values map[string]any) (bool, error) {
	cols := sortedKeys(values)
	if len(cols) == 0 {
		var n int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", quote(t.settings.Table), quote(t.settings.ID.Name))
		if err := conn.DB.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
			return false, fmt.Errorf("failed to read %s %v: %w", t.settings.Table, id, err)
		}
		return n > 0, nil
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = quote(c) + " = ?"
		args = append(args, values[c])
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quote(t.settings.Table), strings.Join(sets, ", "), quote(t.settings.ID.Name))
	res, err := conn.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update %s %v: %w", t.settings.Table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// MySQL reports zero affected rows when nothing changed.
	var exists int
	query = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", quote(t.settings.Table), quote(t.settings.ID.Name))
	if err := conn.DB.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists > 0, nil
}

// logEnrichment writes a diff of the stub record and its full replacement
// at debug level.
func (t *Table) logEnrichment(ctx context.Context, conn *connections.Conn, id any, values map[string]any) {
	if l, ok := t.log.(*logrus.Entry); ok && !l.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	cols := sortedKeys(values)
	if len(cols) == 0 {
		return
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", quoteAll(cols), quote(t.settings.Table), quote(t.settings.ID.Name))
	current := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range current {
		ptrs[i] = &current[i]
	}
	if err := conn.DB.QueryRowContext(ctx, query, id).Scan(ptrs...); err != nil {
		if err != sql.ErrNoRows {
			t.log.WithError(err).Debug("failed to read stub record")
		}
		return
	}
	before := make(map[string]any, len(cols))
	for i, c := range cols {
		before[c] = current[i]
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(renderRecord(cols, before)),
		B:        difflib.SplitLines(renderRecord(cols, values)),
		FromFile: "stub",
		ToFile:   "incoming",
		Context:  3,
	}
	if text, err := difflib.GetUnifiedDiffString(diff); err == nil && text != "" {
		t.log.WithFields(logrus.Fields{"migration": t.migrationID, "id": id}).Debugf("stub enriched\n%s", text)
	}
}

func renderRecord(cols []string, values map[string]any) string {
	var b strings.Builder
	for _, c := range cols {
		v := values[c]
		if raw, ok := v.([]byte); ok {
			v = string(raw)
		}
		fmt.Fprintf(&b, "%s: %v\n", c, v)
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteAll(idents []string) string {
	out := make([]string, len(idents))
	for i, s := range idents {
		out[i] = quote(s)
	}
	return strings.Join(out, ", ")
}
