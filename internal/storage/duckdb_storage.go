package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/web3ekko/ekko-explain/pkg/labels"
	"go.uber.org/zap"
)

// S3Config holds MinIO/S3 configuration used when the label file lives in a
// bucket (s3:// paths).
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// LabelDB is an offline address-label table backed by DuckDB. It answers the
// same queries as the Flipside warehouse.
type LabelDB struct {
	db       *sql.DB
	s3Config S3Config
	logger   *zap.Logger
}

// NewLabelDB opens (or creates) a DuckDB database at path. An empty path
// opens an in-memory database.
func NewLabelDB(path string, s3Config S3Config, logger *zap.Logger) (*LabelDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	store := &LabelDB{db: db, s3Config: s3Config, logger: logger}
	if err := store.createLabelsTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize label storage: %w", err)
	}
	return store, nil
}

func (s *LabelDB) createLabelsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS address_labels (
			network VARCHAR NOT NULL,
			address VARCHAR NOT NULL,
			address_name VARCHAR,
			label VARCHAR,
			label_type VARCHAR,
			label_subtype VARCHAR
		)`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create address_labels table: %w", err)
	}
	return nil
}

// installExtension installs and loads a DuckDB extension
func (s *LabelDB) installExtension(name string) error {
	if _, err := s.db.Exec(fmt.Sprintf("INSTALL %s", name)); err != nil {
		return fmt.Errorf("failed to install %s: %w", name, err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("LOAD %s", name)); err != nil {
		return fmt.Errorf("failed to load %s: %w", name, err)
	}
	return nil
}

// configureS3 points DuckDB's httpfs at the MinIO endpoint
func (s *LabelDB) configureS3() error {
	if err := s.installExtension("httpfs"); err != nil {
		return err
	}
	region := s.s3Config.Region
	if region == "" {
		region = "us-east-1"
	}
	queries := []string{
		fmt.Sprintf("SET s3_endpoint=%s", quote(s.s3Config.Endpoint)),
		fmt.Sprintf("SET s3_access_key_id=%s", quote(s.s3Config.AccessKey)),
		fmt.Sprintf("SET s3_secret_access_key=%s", quote(s.s3Config.SecretKey)),
		fmt.Sprintf("SET s3_use_ssl=%t", s.s3Config.UseSSL),
		fmt.Sprintf("SET s3_region=%s", quote(region)),
		"SET s3_url_style='path'",
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to configure s3: %w", err)
		}
	}
	return nil
}

// Import bulk-loads label rows from a CSV or Parquet file with columns
// network, address, address_name, label, label_type, label_subtype.
// Addresses are stored lower-case.
func (s *LabelDB) Import(ctx context.Context, path string) (int64, error) {
	if strings.HasPrefix(path, "s3://") {
		if err := s.configureS3(); err != nil {
			return 0, err
		}
	}

	reader := "read_csv_auto"
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		reader = "read_parquet"
	}
	query := fmt.Sprintf(`
		INSERT INTO address_labels
		SELECT lower(network), lower(address), address_name, label, label_type, label_subtype
		FROM %s(%s)`, reader, quote(path))

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to import labels from %s: %w", path, err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("imported address labels", zap.String("path", path), zap.Int64("rows", n))
	return n, nil
}

// Insert stores label rows for a network
func (s *LabelDB) Insert(ctx context.Context, network string, rows []labels.Label) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO address_labels (network, address, address_name, label, label_type, label_subtype)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, strings.ToLower(network), strings.ToLower(r.Address),
			r.AddressName, r.Label, r.LabelType, r.LabelSubtype); err != nil {
			return fmt.Errorf("failed to insert label for %s: %w", r.Address, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit labels: %w", err)
	}
	return nil
}

// Query implements labels.Source
func (s *LabelDB) Query(ctx context.Context, addresses []string, network string) ([]labels.Label, error) {
	if len(addresses) == 0 {
		return []labels.Label{}, nil
	}
	placeholders := make([]string, len(addresses))
	args := make([]any, 0, len(addresses)+1)
	args = append(args, strings.ToLower(network))
	for i, a := range addresses {
		placeholders[i] = "?"
		args = append(args, strings.ToLower(a))
	}

	query := fmt.Sprintf(`
		SELECT address,
			coalesce(address_name, ''),
			coalesce(label, ''),
			coalesce(label_type, ''),
			coalesce(label_subtype, '')
		FROM address_labels
		WHERE network = ? AND address IN (%s)
		ORDER BY address, label`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	out := []labels.Label{}
	for rows.Next() {
		var l labels.Label
		if err := rows.Scan(&l.Address, &l.AddressName, &l.Label, &l.LabelType, &l.LabelSubtype); err != nil {
			return nil, fmt.Errorf("failed to scan label row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Count returns the number of stored label rows
func (s *LabelDB) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM address_labels").Scan(&n)
	return n, err
}

// Close closes the DuckDB connection
func (s *LabelDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
