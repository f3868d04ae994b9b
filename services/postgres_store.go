package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cablelabs/safe/protocol"
	_ "github.com/lib/pq"
)

var _ protocol.RegistrationStore = (*PostgresStore)(nil)

// PostgresStore implements protocol.RegistrationStore with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registrations (
		namespace VARCHAR(128) NOT NULL,
		group_id INTEGER NOT NULL,
		public_key TEXT NOT NULL,
		ring_index INTEGER NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (namespace, group_id, public_key)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_registrations_index ON registrations(namespace, group_id, ring_index);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveRegistration persists a registration. Saving a known key updates its index.
func (s *PostgresStore) SaveRegistration(ctx context.Context, reg protocol.StoredRegistration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
	INSERT INTO registrations (namespace, group_id, public_key, ring_index)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (namespace, group_id, public_key) DO UPDATE SET
		ring_index = EXCLUDED.ring_index
	`

	_, err := s.db.ExecContext(ctx, query, reg.Namespace, reg.Group, reg.PubKey, reg.Index)
	return err
}

// LoadRegistrations retrieves every registration of a namespace ordered by group and index.
func (s *PostgresStore) LoadRegistrations(ctx context.Context, namespace string) ([]protocol.StoredRegistration, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, public_key, ring_index
		FROM registrations
		WHERE namespace = $1
		ORDER BY group_id, ring_index
	`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []protocol.StoredRegistration
	for rows.Next() {
		reg := protocol.StoredRegistration{Namespace: namespace}
		if err := rows.Scan(&reg.Group, &reg.PubKey, &reg.Index); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		result = append(result, reg)
	}

	return result, rows.Err()
}

// DeleteNamespace removes every registration of a namespace.
func (s *PostgresStore) DeleteNamespace(ctx context.Context, namespace string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM registrations WHERE namespace = $1", namespace)
	return err
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
