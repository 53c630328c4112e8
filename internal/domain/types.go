package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the state of one identity map entry.
type Status int

const (
	StatusImported    Status = 0
	StatusNeedsUpdate Status = 1
	StatusIgnored     Status = 2
	StatusFailed      Status = 3
)

// String returns the status name used in CLI output and config.
func (s Status) String() string {
	switch s {
	case StatusImported:
		return "imported"
	case StatusNeedsUpdate:
		return "needs_update"
	case StatusIgnored:
		return "ignored"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "imported":
		return StatusImported, nil
	case "needs_update":
		return StatusNeedsUpdate, nil
	case "ignored":
		return StatusIgnored, nil
	case "failed":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("invalid status: must be one of: imported, needs_update, ignored, failed")
	}
}

// MessageLevel is the severity of an identity map message.
type MessageLevel int

const (
	MessageError   MessageLevel = 1
	MessageWarning MessageLevel = 2
	MessageNotice  MessageLevel = 3
	MessageInfo    MessageLevel = 4
)

func (l MessageLevel) String() string {
	switch l {
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageNotice:
		return "notice"
	case MessageInfo:
		return "info"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// IDType is the declared type of one id column.
type IDType string

const (
	IDTypeInteger IDType = "integer"
	IDTypeString  IDType = "string"
)

// IDDefinition describes one component of a source or destination identity.
type IDDefinition struct {
	Name  string `json:"name" yaml:"name"`
	Type  IDType `json:"type" yaml:"type"`
	Alias string `json:"alias,omitempty" yaml:"alias,omitempty"`
}

// Normalize converts a raw value into the canonical Go type for the id column:
// int64 for integer ids, string for string ids.
func (d IDDefinition) Normalize(v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("id %q: value is null", d.Name)
	}
	switch d.Type {
	case IDTypeInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint:
			return int64(n), nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint64:
			if n > math.MaxInt64 {
				return nil, fmt.Errorf("id %q: %d overflows int64", d.Name, n)
			}
			return int64(n), nil
		case float32:
			return floatID(d.Name, float64(n))
		case float64:
			return floatID(d.Name, n)
		case []byte:
			return parseIntID(d.Name, string(n))
		case string:
			return parseIntID(d.Name, n)
		default:
			return nil, fmt.Errorf("id %q: cannot use %T as integer", d.Name, v)
		}
	case IDTypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		default:
			return fmt.Sprint(v), nil
		}
	default:
		return nil, fmt.Errorf("id %q: unknown id type %q", d.Name, d.Type)
	}
}

func floatID(name string, f float64) (any, error) {
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("id %q: %v is not an integer", name, f)
	}
	return int64(f), nil
}

func parseIntID(name, s string) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("id %q: %q is not an integer", name, s)
	}
	return n, nil
}

// IDList is an ordered list of id definitions. In YAML it is written either as
// a mapping (name: type, order preserved) or as a sequence of definitions.
type IDList []IDDefinition

// UnmarshalYAML keeps the declaration order of mapping keys.
func (l *IDList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.MappingNode:
		out := make(IDList, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			def := IDDefinition{Name: n.Content[i].Value}
			val := n.Content[i+1]
			switch val.Kind {
			case yaml.ScalarNode:
				def.Type = IDType(val.Value)
			case yaml.MappingNode:
				var body struct {
					Type  IDType `yaml:"type"`
					Alias string `yaml:"alias"`
				}
				if err := val.Decode(&body); err != nil {
					return fmt.Errorf("id %q: %w", def.Name, err)
				}
				def.Type, def.Alias = body.Type, body.Alias
			default:
				return fmt.Errorf("id %q: expected type name or mapping", def.Name)
			}
			out = append(out, def)
		}
		*l = out
		return nil
	case yaml.SequenceNode:
		var defs []IDDefinition
		if err := n.Decode(&defs); err != nil {
			return err
		}
		*l = defs
		return nil
	default:
		return fmt.Errorf("ids: expected mapping or sequence at line %d", n.Line)
	}
}

// Names returns the id column names in order.
func (l IDList) Names() []string {
	names := make([]string, len(l))
	for i, d := range l {
		names[i] = d.Name
	}
	return names
}

// RollbackAction says what a rollback does with the destination of an
// entry.
type RollbackAction int

const (
	// RollbackDelete removes the destination record.
	RollbackDelete RollbackAction = iota
	// RollbackPreserve keeps it. Set on entries merged into a record that
	// another entry or migration owns.
	RollbackPreserve
)

// MapEntry is one identity map row.
type MapEntry struct {
	SourceIDs      []any          `json:"source_ids"`
	DestIDs        []any          `json:"destination_ids,omitempty"`
	Status         Status         `json:"status"`
	RollbackAction RollbackAction `json:"rollback_action,omitempty"`
	Message        string         `json:"message,omitempty"`
	LastImported   time.Time      `json:"last_imported"`
}

// HasDestination reports whether the entry points at a destination record.
func (e *MapEntry) HasDestination() bool {
	if e == nil || len(e.DestIDs) == 0 {
		return false
	}
	for _, v := range e.DestIDs {
		if v == nil {
			return false
		}
	}
	return true
}

// MapCounts summarizes an identity map by status.
type MapCounts struct {
	Total       int `json:"total"`
	Imported    int `json:"imported"`
	NeedsUpdate int `json:"needs_update"`
	Ignored     int `json:"ignored"`
	Failed      int `json:"failed"`
}

// Message is a diagnostic recorded against a source identity.
type Message struct {
	ID        int64        `json:"id"`
	SourceIDs []any        `json:"source_ids"`
	Level     MessageLevel `json:"level"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}

// SourceDatabase is a registered source or destination connection.
type SourceDatabase struct {
	Key       string    `json:"key" yaml:"key"`
	Driver    string    `json:"driver" yaml:"driver"`
	Host      string    `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int       `json:"port,omitempty" yaml:"port,omitempty"`
	Database  string    `json:"database" yaml:"database"`
	Username  string    `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string    `json:"-" yaml:"password,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// RunCounts are the per-row outcomes of one executable run.
type RunCounts struct {
	Processed int `json:"processed"`
	Imported  int `json:"imported"`
	Updated   int `json:"updated"`
	Merged    int `json:"merged"`
	Ignored   int `json:"ignored"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Run records one import or rollback of a migration.
type Run struct {
	UUID        string     `json:"uuid"`
	MigrationID string     `json:"migration_id"`
	Operation   string     `json:"operation"`
	Version     string     `json:"version,omitempty"`
	Counts      RunCounts  `json:"counts"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Event represents an entry in the run event log.
type Event struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	RunUUID     *string   `json:"run_uuid,omitempty"`
	MigrationID string    `json:"migration_id"`
	EventType   string    `json:"event_type"`
	Payload     *string   `json:"payload,omitempty"`
}
