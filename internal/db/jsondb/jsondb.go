// Package jsondb keeps users and card collections in memory and persists them
// to a JSON file on Close. Transactions are accepted for interface
// compatibility and are no-ops.
package jsondb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/thoas/go-funk"

	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/user"
)

type JSONDB struct {
	fileName string
	mu       sync.RWMutex
	Cache    CacheStruct
}

type CacheStruct struct {
	Users         map[string]*user.User
	EmailToUserID map[string]string
	Collections   map[string]*models.CardCollection
}

// NewCache returns an empty, ready to use cache.
func NewCache() CacheStruct {
	return CacheStruct{
		Users:         map[string]*user.User{},
		EmailToUserID: map[string]string{},
		Collections:   map[string]*models.CardCollection{},
	}
}

func (db *JSONDB) CommitTransaction(transaction *sql.Tx) error {
	return nil
}

func (db *JSONDB) RollbackTransaction(transaction *sql.Tx) error {
	return nil
}

func (db *JSONDB) BeginTransaction(ctx context.Context) (*sql.Tx, error) {
	return nil, nil
}

func initDBFile(fileName string) error {
	return writeToJSONFile(fileName, NewCache())
}

func writeToJSONFile(fileName string, cache interface{}) error {
	jsonData, err := json.MarshalIndent(cache, "", "\t")
	if err != nil {
		return fmt.Errorf("error marshaling JSON: %w", err)
	}

	file, err := os.OpenFile(fileName, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("error opening file: %w", err)
	}
	defer file.Close()

	_, err = file.Write(jsonData)
	if err != nil {
		return fmt.Errorf("error writing to file: %w", err)
	}

	return nil
}

func parseJSONFile(fileName string, cache *CacheStruct) error {
	file, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	err = decoder.Decode(cache)
	if err != nil {
		return err
	}

	return nil
}

// New loads fileName, creating it when it does not exist yet.
func New(fileName string) (*JSONDB, error) {
	db := &JSONDB{
		fileName: fileName,
		Cache:    NewCache(),
	}

	err := parseJSONFile(db.fileName, &db.Cache)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("in internal/db/jsondb/jsondb.go/New(): error while `parseJSONFile()` calling: %w", err)
		}
		if err := initDBFile(fileName); err != nil {
			return nil, fmt.Errorf("in internal/db/jsondb/jsondb.go/New(): error while `initDBFile()` calling: %w", err)
		}
	}
	db.Cache.fillNilMaps()

	return db, nil
}

func (c *CacheStruct) fillNilMaps() {
	if c.Users == nil {
		c.Users = map[string]*user.User{}
	}
	if c.EmailToUserID == nil {
		c.EmailToUserID = map[string]string{}
	}
	if c.Collections == nil {
		c.Collections = map[string]*models.CardCollection{}
	}
}

func (db *JSONDB) Ping(ctx context.Context) error {
	return nil
}

// Close flushes the cache to the backing file.
func (db *JSONDB) Close() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return writeToJSONFile(db.fileName, db.Cache)
}

func (db *JSONDB) CreateUser(ctx context.Context, usr *user.User, transaction *sql.Tx) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.Cache.EmailToUserID[usr.Email]; exists {
		return "", models.ErrUserAlreadyExists
	}

	stored := *usr
	db.Cache.Users[stored.ID] = &stored
	db.Cache.EmailToUserID[stored.Email] = stored.ID

	return stored.ID, nil
}

func (db *JSONDB) GetUserByID(ctx context.Context, userID string, transaction *sql.Tx) (*user.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	usr, ok := db.Cache.Users[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	result := *usr

	return &result, nil
}

func (db *JSONDB) GetUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	userID, ok := db.Cache.EmailToUserID[email]
	if !ok {
		return nil, models.ErrNotFound
	}
	result := *db.Cache.Users[userID]

	return &result, nil
}

func (db *JSONDB) CreateCollection(
	ctx context.Context,
	collection *models.CardCollection,
	transaction *sql.Tx,
) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.Cache.Users[collection.OwnerID]; !ok {
		return "", fmt.Errorf("owner %q: %w", collection.OwnerID, models.ErrNotFound)
	}

	stored := *collection
	db.Cache.Collections[stored.ID] = &stored

	return stored.ID, nil
}

func (db *JSONDB) GetCollectionByID(
	ctx context.Context,
	collectionID string,
	transaction *sql.Tx,
) (*models.CardCollection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	collection, ok := db.Cache.Collections[collectionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	result := *collection

	return &result, nil
}

func (db *JSONDB) UpdateCollection(
	ctx context.Context,
	collection *models.CardCollection,
	transaction *sql.Tx,
) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.Cache.Collections[collection.ID]; !ok {
		return models.ErrNotFound
	}
	stored := *collection
	db.Cache.Collections[stored.ID] = &stored

	return nil
}

// GetUserCollections returns one page of the owner's collections.
func (db *JSONDB) GetUserCollections(
	ctx context.Context,
	ownerID string,
	page models.CollectionsPage,
) ([]models.CardCollection, error) {
	db.mu.RLock()
	owned := funk.Filter(
		funk.Values(db.Cache.Collections),
		func(c *models.CardCollection) bool { return c.OwnerID == ownerID },
	).([]*models.CardCollection)
	result := make([]models.CardCollection, 0, len(owned))
	for _, c := range owned {
		result = append(result, *c)
	}
	db.mu.RUnlock()

	slices.SortFunc(result, collectionsComparator(page.Sort, page.Ascending))

	if page.Offset >= len(result) {
		return []models.CardCollection{}, nil
	}
	end := len(result)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}

	return result[page.Offset:end], nil
}

func collectionsComparator(sortBy models.CollectionSortParam, ascending bool) func(a, b models.CardCollection) int {
	return func(a, b models.CardCollection) int {
		var cmp int
		if sortBy == models.ByName {
			cmp = strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		} else {
			cmp = a.LastModified.Compare(b.LastModified)
		}
		if cmp == 0 {
			cmp = strings.Compare(a.ID, b.ID)
		}
		if !ascending {
			cmp = -cmp
		}
		return cmp
	}
}

// RemoveUsersCollections deletes the listed collections of each user,
// skipping ids the user does not own.
func (db *JSONDB) RemoveUsersCollections(ctx context.Context, usersCollections map[string][]string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for userID, collectionIDs := range usersCollections {
		for _, collectionID := range collectionIDs {
			collection, ok := db.Cache.Collections[collectionID]
			if ok && collection.OwnerID == userID {
				delete(db.Cache.Collections, collectionID)
			}
		}
	}

	return nil
}

func (db *JSONDB) GetNumberOfUsers(ctx context.Context) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return int64(len(db.Cache.Users)), nil
}

func (db *JSONDB) GetNumberOfCollections(ctx context.Context) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return int64(len(db.Cache.Collections)), nil
}
