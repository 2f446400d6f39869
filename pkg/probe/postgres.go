package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// PostgresConfig holds the credentials a Postgres probe connects with.
// Host and Port are filled in from the target when the probe runs.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string

	// SSLMode defaults to "disable"; fixture databases rarely have TLS.
	SSLMode string
}

// DSN renders the config as a postgres:// URL.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   c.DBName,
	}
	q := u.Query()
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ForPort returns a copy of c pointing at a published port.
func (c PostgresConfig) ForPort(p Port) PostgresConfig {
	c.Host = p.IP
	c.Port = p.External
	return c
}

type postgresProbe struct {
	internal int
	cfg      PostgresConfig
}

// Postgres waits until a pgx connection to the published port succeeds
// and answers a ping. Unlike PortOpen this sees through the Docker proxy
// and the image's init-time restart.
func Postgres(internal int, cfg PostgresConfig) Probe {
	return postgresProbe{internal: internal, cfg: cfg}
}

func (p postgresProbe) Check(ctx context.Context, t Target) error {
	port, ok := FindPort(t, p.internal)
	if !ok {
		return portError(t, p.internal)
	}

	// A DSN that does not parse will not parse on the next attempt
	// either, so that failure is permanent.
	connCfg, err := pgx.ParseConfig(p.cfg.ForPort(port).DSN())
	if err != nil {
		return Permanent(fmt.Errorf("failed to parse postgres config: %w", err))
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres at %s: %w", port.Address(), err)
	}
	// Close sends a Terminate message; it must go out even when the
	// attempt's context already expired.
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres at %s: %w", port.Address(), err)
	}
	return nil
}

func (p postgresProbe) String() string {
	return fmt.Sprintf("postgres on port %d as %q", p.internal, p.cfg.User)
}
