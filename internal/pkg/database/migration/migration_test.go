package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrateURL(t *testing.T) {
	tests := map[string]struct {
		dsn  string
		want string
	}{
		"postgres":   {dsn: "postgres://u:p@db:5432/hass?sslmode=disable", want: "pgx5://u:p@db:5432/hass?sslmode=disable"},
		"postgresql": {dsn: "postgresql://db/hass", want: "pgx5://db/hass"},
		"already":    {dsn: "pgx5://db/hass", want: "pgx5://db/hass"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, MigrateURL(tt.dsn))
		})
	}
}
