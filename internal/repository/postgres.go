package repository

import (
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// postgresDSN builds a lib/pq connection URL. Credentials are escaped, so
// passwords may contain any character.
func postgresDSN(cfg domain.RepositoryConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cmpOr(cfg.PostgresHost, "localhost"), strconv.Itoa(cmpOr(cfg.PostgresPort, 5432))),
		Path:   "/" + cmpOr(cfg.PostgresDB, "kestrel"),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}

	q := url.Values{}
	q.Set("sslmode", cmpOr(cfg.PostgresSSLMode, "disable"))
	q.Set("application_name", "kestrel")
	q.Set("connect_timeout", "5")
	u.RawQuery = q.Encode()
	return u.String()
}
