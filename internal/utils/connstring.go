package utils

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/denisenkom/go-mssqldb/msdsn"
)

// ServerName derives a short, stable server name from a SQL Server
// connection string in any form the driver accepts (sqlserver:// URL, ADO or
// odbc:). Local hosts and IP addresses resolve to the machine's hostname.
// An empty connection string has no server and yields "".
func ServerName(connectionString string) (string, error) {
	if strings.TrimSpace(connectionString) == "" {
		return "", nil
	}

	cfg, _, err := msdsn.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}

	host := strings.ToLower(cfg.Host)
	switch {
	case host == "localhost" || net.ParseIP(host) != nil:
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		host = strings.ToLower(hostname)
	default:
		// prod-sql.database.windows.net -> prod-sql
		host, _, _ = strings.Cut(host, ".")
	}

	if cfg.Instance != "" {
		return host + "-" + strings.ToLower(cfg.Instance), nil
	}
	return host, nil
}
