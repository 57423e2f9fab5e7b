package utils

import (
	"context"
	"testing"

	"portal-realtime/internal/config"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLDSN_ForcesParseTime(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
	}{
		{name: "no params", dsn: "portal:secret@tcp(db:3306)/portal"},
		{name: "parseTime off", dsn: "portal:secret@tcp(db:3306)/portal?parseTime=false&charset=utf8mb4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := mysqlDSN(tt.dsn)
			require.NoError(t, err)

			cfg, err := mysql.ParseDSN(dsn)
			require.NoError(t, err)
			assert.True(t, cfg.ParseTime)
			assert.Equal(t, "portal", cfg.User)
			assert.Equal(t, "db:3306", cfg.Addr)
			assert.Equal(t, "portal", cfg.DBName)
		})
	}
}

func TestOpenMySQL_RejectsMalformedDSN(t *testing.T) {
	_, err := OpenMySQL(context.Background(), config.MySQLConfig{DSN: "portal@tcp(db:3306"})
	assert.ErrorContains(t, err, "parse mysql dsn")
}
