package source

import (
	"context"
	"fmt"

	"github.com/lherron/upm/internal/connections"
	"github.com/lherron/upm/internal/domain"
	"github.com/tidwall/gjson"
)

// d7UserPreset reads Drupal 7 user accounts without the anonymous user.
const d7UserPreset = `
plugin: d7_user
table:
  name: users
  alias: u
  ids:
    uid: integer
conditions:
  - u.uid > 0
`

func newD7User(migrationID string, cfg domain.PluginConfig, env Env) (Source, error) {
	return NewSQL(migrationID, cfg, env, prepareD7User)
}

// prepareD7User attaches the role ids of the account and decodes the data
// column when it holds JSON.
func prepareD7User(ctx context.Context, conn *connections.Conn, row *domain.Row) (bool, error) {
	uid := row.SourceProperty("uid")
	rows, err := conn.DB.QueryContext(ctx, `SELECT "ur"."rid" FROM "users_roles" "ur" WHERE "ur"."uid" = ? ORDER BY "ur"."rid"`, uid)
	if err != nil {
		return false, fmt.Errorf("roles of user %v: %w", uid, err)
	}
	defer rows.Close()
	roles := []any{}
	for rows.Next() {
		var rid any
		if err := rows.Scan(&rid); err != nil {
			return false, err
		}
		roles = append(roles, columnValue(rid))
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	row.SetSourceProperty("roles", roles)

	if data, ok := row.SourceProperty("data").(string); ok {
		if gjson.Valid(data) {
			row.SetSourceProperty("data", gjson.Parse(data).Value())
		}
	}
	return true, nil
}
