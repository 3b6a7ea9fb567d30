package db

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/gocql/gocql"

	"market-chat/internal/config"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NewScyllaSession ensures the keyspace and tables exist and returns a session
// bound to the keyspace.
func NewScyllaSession(cfg config.ScyllaConfig, logger *slog.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(cfg.Keyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", cfg.Keyspace)
	}
	if logger == nil {
		logger = slog.Default()
	}

	base, err := newCluster(cfg, "").CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	defer base.Close()

	if err := ensureKeyspace(context.Background(), base, cfg); err != nil {
		return nil, err
	}

	session, err := newCluster(cfg, cfg.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", cfg.Keyspace, err)
	}
	if err := ensureTables(context.Background(), session, cfg.Keyspace); err != nil {
		session.Close()
		return nil, err
	}
	logger.Info("scylla connected", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	return session, nil
}

func newCluster(cfg config.ScyllaConfig, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = keyspace
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout
	cluster.Consistency = cfg.ParsedConsistency()
	cluster.SerialConsistency = gocql.LocalSerial
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return cluster
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, cfg config.ScyllaConfig) error {
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		cfg.Keyspace, cfg.ReplicationFactor,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

func ensureTables(ctx context.Context, session *gocql.Session, keyspace string) error {
	byID := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.messages_by_id (
	id text PRIMARY KEY,
	listing_id text,
	sender_id text,
	receiver_id text,
	content text,
	read boolean,
	created_at timestamp
);`, keyspace)
	if err := session.Query(byID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create messages_by_id table: %w", err)
	}

	byParticipant := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.messages_by_participant (
	participant_id text,
	created_at timestamp,
	id text,
	listing_id text,
	sender_id text,
	receiver_id text,
	content text,
	read boolean,
	PRIMARY KEY ((participant_id), created_at, id)
) WITH CLUSTERING ORDER BY (created_at ASC, id ASC);`, keyspace)
	if err := session.Query(byParticipant).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create messages_by_participant table: %w", err)
	}
	return nil
}
