// Package postgresdb provides a PostgreSQL-based implementation of the storage
// used by the service: users, their card collections and batched removal.
// The schema is managed by goose from migrations embedded into the binary.
package postgresdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/thoas/go-funk"

	"github.com/patric-chuzhbe/danki/internal/db/postgresdb/migrations"
	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/user"
)

// PostgresDB is a PostgreSQL-backed storage.
type PostgresDB struct {
	database          *sql.DB
	connectionTimeout time.Duration
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type initOptions struct {
	DBPreReset bool
}

// InitOption defines a functional option for configuring database initialization.
type InitOption func(*initOptions)

// WithDBPreReset drops every public table before migrating. Meant for tests.
func WithDBPreReset(value bool) InitOption {
	return func(options *initOptions) {
		options.DBPreReset = value
	}
}

// collectionsOrder maps a sort order onto its ORDER BY expression.
var collectionsOrder = map[models.CollectionSortParam]string{
	models.ByName: "lower(name)",
	models.ByDate: "last_modified",
}

// New establishes a connection to the PostgreSQL database,
// runs schema migrations, and returns a configured PostgresDB instance.
func New(
	ctx context.Context,
	databaseDSN string,
	connectionTimeout time.Duration,
	optionsProto ...InitOption,
) (*PostgresDB, error) {
	options := &initOptions{
		DBPreReset: false,
	}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	database, err := sql.Open("pgx", databaseDSN)
	if err != nil {
		return nil,
			fmt.Errorf(
				"in internal/db/postgresdb/postgresdb.go/New(): error while `sql.Open()` calling: %w",
				err,
			)
	}

	return prepare(ctx, database, connectionTimeout, options)
}

// prepare checks the connection and migrates the schema. The database is
// closed when any step fails.
func prepare(
	ctx context.Context,
	database *sql.DB,
	connectionTimeout time.Duration,
	options *initOptions,
) (result *PostgresDB, err error) {
	defer func() {
		if err != nil {
			err = errors.Join(err, database.Close())
		}
	}()

	result = &PostgresDB{
		database:          database,
		connectionTimeout: connectionTimeout,
	}

	if err = result.Ping(ctx); err != nil {
		return nil,
			fmt.Errorf(
				"in internal/db/postgresdb/postgresdb.go/prepare(): error while `result.Ping()` calling: %w",
				err,
			)
	}

	if options.DBPreReset {
		if err = result.resetDB(ctx); err != nil {
			return nil,
				fmt.Errorf(
					"in internal/db/postgresdb/postgresdb.go/prepare(): error while `result.resetDB()` calling: %w",
					err,
				)
		}
	}

	goose.SetBaseFS(migrations.FS)

	if err = goose.SetDialect("postgres"); err != nil {
		return nil,
			fmt.Errorf(
				"in internal/db/postgresdb/postgresdb.go/prepare(): error while `goose.SetDialect()` calling: %w",
				err,
			)
	}

	if err = goose.UpContext(ctx, result.database, "."); err != nil {
		return nil,
			fmt.Errorf(
				"in internal/db/postgresdb/postgresdb.go/prepare(): error while `goose.UpContext()` calling: %w",
				err,
			)
	}

	return result, nil
}

func (db *PostgresDB) queryerFor(transaction *sql.Tx) queryer {
	if transaction == nil {
		return db.database
	}

	return transaction
}

func (db *PostgresDB) executorFor(transaction *sql.Tx) executor {
	if transaction == nil {
		return db.database
	}

	return transaction
}

// CreateUser inserts a new user and returns its id.
// A taken email yields models.ErrUserAlreadyExists.
func (db *PostgresDB) CreateUser(ctx context.Context, usr *user.User, transaction *sql.Tx) (string, error) {
	row := db.queryerFor(transaction).QueryRowContext(
		ctx,
		`
			INSERT INTO users (id, email, password_hash)
				VALUES ($1, $2, $3)
				ON CONFLICT (email) DO NOTHING
				RETURNING id
		`,
		usr.ID,
		usr.Email,
		usr.PasswordHash,
	)
	var userIDFromDB string
	err := row.Scan(&userIDFromDB)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", models.ErrUserAlreadyExists
		}
		return "", err
	}

	return userIDFromDB, nil
}

// GetUserByID fetches a user by UUID or returns models.ErrNotFound.
func (db *PostgresDB) GetUserByID(ctx context.Context, userID string, transaction *sql.Tx) (*user.User, error) {
	return db.getUser(ctx, transaction, `SELECT id, email, password_hash FROM users WHERE id = $1`, userID)
}

// GetUserByEmail fetches a user by email or returns models.ErrNotFound.
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, error) {
	return db.getUser(ctx, transaction, `SELECT id, email, password_hash FROM users WHERE email = $1`, email)
}

func (db *PostgresDB) getUser(ctx context.Context, transaction *sql.Tx, query string, arg string) (*user.User, error) {
	row := db.queryerFor(transaction).QueryRowContext(ctx, query, arg)
	usr := &user.User{}
	err := row.Scan(&usr.ID, &usr.Email, &usr.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	return usr, nil
}

// CreateCollection inserts a collection and returns its id.
func (db *PostgresDB) CreateCollection(
	ctx context.Context,
	collection *models.CardCollection,
	transaction *sql.Tx,
) (string, error) {
	row := db.queryerFor(transaction).QueryRowContext(
		ctx,
		`
			INSERT INTO card_collections (id, name, owner_id, last_modified)
				VALUES ($1, $2, $3, $4)
				RETURNING id
		`,
		collection.ID,
		collection.Name,
		collection.OwnerID,
		collection.LastModified,
	)
	var collectionID string
	if err := row.Scan(&collectionID); err != nil {
		return "", err
	}

	return collectionID, nil
}

// GetCollectionByID returns the collection or models.ErrNotFound.
// Inside a transaction the row is locked until commit.
func (db *PostgresDB) GetCollectionByID(
	ctx context.Context,
	collectionID string,
	transaction *sql.Tx,
) (*models.CardCollection, error) {
	query := `SELECT id, name, owner_id, last_modified FROM card_collections WHERE id = $1`
	if transaction != nil {
		query += ` FOR UPDATE`
	}

	row := db.queryerFor(transaction).QueryRowContext(ctx, query, collectionID)
	collection := &models.CardCollection{}
	err := row.Scan(&collection.ID, &collection.Name, &collection.OwnerID, &collection.LastModified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	collection.LastModified = collection.LastModified.UTC()

	return collection, nil
}

// UpdateCollection stores the new name and timestamp.
func (db *PostgresDB) UpdateCollection(
	ctx context.Context,
	collection *models.CardCollection,
	transaction *sql.Tx,
) error {
	result, err := db.executorFor(transaction).ExecContext(
		ctx,
		`UPDATE card_collections SET name = $2, last_modified = $3 WHERE id = $1`,
		collection.ID,
		collection.Name,
		collection.LastModified,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrNotFound
	}

	return nil
}

// GetUserCollections returns one page of the owner's collections.
func (db *PostgresDB) GetUserCollections(
	ctx context.Context,
	ownerID string,
	page models.CollectionsPage,
) ([]models.CardCollection, error) {
	rows, err := db.database.QueryContext(
		ctx,
		fmt.Sprintf(
			`
				SELECT id, name, owner_id, last_modified
					FROM card_collections
					WHERE owner_id = $1
					ORDER BY %s
					LIMIT $2 OFFSET $3
			`,
			orderClause(page.Sort, page.Ascending),
		),
		ownerID,
		page.Limit,
		page.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.CardCollection{}
	for rows.Next() {
		var collection models.CardCollection
		err = rows.Scan(&collection.ID, &collection.Name, &collection.OwnerID, &collection.LastModified)
		if err != nil {
			return nil, err
		}
		collection.LastModified = collection.LastModified.UTC()
		result = append(result, collection)
	}

	err = rows.Err()
	if err != nil {
		return nil, err
	}

	return result, nil
}

// orderClause builds the ORDER BY list from whitelisted fragments only.
func orderClause(sortBy models.CollectionSortParam, ascending bool) string {
	column, ok := collectionsOrder[sortBy]
	if !ok {
		column = collectionsOrder[models.ByName]
	}
	direction := "ASC"
	if !ascending {
		direction = "DESC"
	}

	return fmt.Sprintf("%s %s, id %s", column, direction, direction)
}

// RemoveUsersCollections deletes the listed collections of every user in
// one transaction. Collections the user does not own are left alone.
func (db *PostgresDB) RemoveUsersCollections(
	ctx context.Context,
	usersCollections map[string][]string,
) error {
	transaction, err := db.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	for userID, collectionIDs := range usersCollections {
		_, err := transaction.ExecContext(
			ctx,
			`DELETE FROM card_collections WHERE owner_id = $1 AND id = ANY($2::uuid[])`,
			userID,
			pq.Array(funk.UniqString(collectionIDs)),
		)
		if err != nil {
			if err2 := transaction.Rollback(); err2 != nil {
				return errors.Join(err, err2)
			}
			return err
		}
	}

	return transaction.Commit()
}

// GetNumberOfUsers counts registered users.
func (db *PostgresDB) GetNumberOfUsers(ctx context.Context) (int64, error) {
	return db.count(ctx, `SELECT COUNT(*) FROM users`)
}

// GetNumberOfCollections counts all collections.
func (db *PostgresDB) GetNumberOfCollections(ctx context.Context) (int64, error) {
	return db.count(ctx, `SELECT COUNT(*) FROM card_collections`)
}

func (db *PostgresDB) count(ctx context.Context, query string) (int64, error) {
	var result int64
	if err := db.database.QueryRowContext(ctx, query).Scan(&result); err != nil {
		return 0, err
	}

	return result, nil
}

// CommitTransaction commits the given SQL transaction.
func (db *PostgresDB) CommitTransaction(transaction *sql.Tx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic occurred while committing transaction: %v", r)
		}
	}()

	return transaction.Commit()
}

// RollbackTransaction rolls back the given SQL transaction.
// Rolling back an already committed transaction is not an error.
func (db *PostgresDB) RollbackTransaction(transaction *sql.Tx) error {
	err := transaction.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return err
}

// BeginTransaction starts a new SQL transaction and returns it.
// The caller is responsible for committing or rolling it back.
func (db *PostgresDB) BeginTransaction(ctx context.Context) (*sql.Tx, error) {
	return db.database.BeginTx(ctx, nil)
}

// Ping verifies connectivity with the PostgreSQL database within the configured timeout.
func (db *PostgresDB) Ping(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, db.connectionTimeout)
	defer cancel()

	return db.database.PingContext(ctxWithTimeout)
}

// Close closes the database connection and releases any associated resources.
func (db *PostgresDB) Close() error {
	return db.database.Close()
}

func (db *PostgresDB) resetDB(ctx context.Context) error {
	_, err := db.database.ExecContext(
		ctx,
		`
			DO $$
			DECLARE
				r RECORD;
			BEGIN
				FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public') LOOP
					EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
				END LOOP;
			END $$;
		`,
	)
	if err != nil {
		return fmt.Errorf(
			"in internal/db/postgresdb/postgresdb.go/resetDB(): error while `db.database.ExecContext()` calling: %w",
			err,
		)
	}
	return nil
}
