package utils

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerName(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)
	local := strings.ToLower(hostname)

	tests := []struct {
		name string
		conn string
		want string
	}{
		{"empty", "", ""},
		{"azure url", "sqlserver://sa:pw@Prod-SQL.database.windows.net:1433?database=orders", "prod-sql"},
		{"ado", "server=db01.corp.local;user id=sa;password=pw;database=orders", "db01"},
		{"ado with instance", `server=db01\SQLEXPRESS;database=orders`, "db01-sqlexpress"},
		{"url with instance", "sqlserver://sa:pw@db01/Reporting?database=orders", "db01-reporting"},
		{"localhost", "sqlserver://sa:pw@localhost:1433?database=orders", local},
		{"ip address", "sqlserver://sa:pw@127.0.0.1:1433?database=orders", local},
		{"dot means local", "server=.;database=orders", local},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ServerName(tt.conn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServerNameRejectsBadConnectionStrings(t *testing.T) {
	_, err := ServerName("sqlserver://sa:pw@db01?database=orders&port=notaport")
	assert.ErrorContains(t, err, "failed to parse connection string")
}
