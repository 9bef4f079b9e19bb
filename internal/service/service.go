// Package service implements the business operations shared by the HTTP and
// gRPC transports: registration, login, and card collection management.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/thoas/go-funk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/patric-chuzhbe/danki/internal/auth"
	"github.com/patric-chuzhbe/danki/internal/logger"
	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/user"
)

const instrumentationName = "github.com/patric-chuzhbe/danki/internal/service"

type transactioner interface {
	BeginTransaction(ctx context.Context) (*sql.Tx, error)

	RollbackTransaction(transaction *sql.Tx) error

	CommitTransaction(transaction *sql.Tx) error
}

type userKeeper interface {
	CreateUser(ctx context.Context, usr *user.User, transaction *sql.Tx) (string, error)

	GetUserByID(ctx context.Context, userID string, transaction *sql.Tx) (*user.User, error)

	GetUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, error)
}

type collectionsKeeper interface {
	CreateCollection(
		ctx context.Context,
		collection *models.CardCollection,
		transaction *sql.Tx,
	) (string, error)

	GetCollectionByID(
		ctx context.Context,
		collectionID string,
		transaction *sql.Tx,
	) (*models.CardCollection, error)

	UpdateCollection(
		ctx context.Context,
		collection *models.CardCollection,
		transaction *sql.Tx,
	) error

	GetUserCollections(
		ctx context.Context,
		ownerID string,
		page models.CollectionsPage,
	) ([]models.CardCollection, error)
}

type statsKeeper interface {
	GetNumberOfUsers(ctx context.Context) (int64, error)

	GetNumberOfCollections(ctx context.Context) (int64, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type storage interface {
	transactioner
	userKeeper
	collectionsKeeper
	statsKeeper
	pinger
}

type collectionsRemover interface {
	EnqueueJob(job *models.CollectionsDeleteJob)
}

type tokenIssuer interface {
	BuildJWTString(email string) (string, error)
}

var (
	// ErrInvalidCredentials is returned by Login for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrInvalidUserID is returned when a user id is not a UUID.
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrInvalidCollectionID is returned when a collection id is not a UUID.
	ErrInvalidCollectionID = errors.New("invalid collection id")

	// ErrValidation wraps request validation failures.
	ErrValidation = errors.New("validation failed")
)

type Service struct {
	db       storage
	remover  collectionsRemover
	tokens   tokenIssuer
	validate *validator.Validate

	now        func() time.Time
	bcryptCost int
	dummyHash  func() []byte

	tracer        trace.Tracer
	logins        metric.Int64Counter
	registrations metric.Int64Counter
}

type Option func(*Service)

// WithClock replaces time.Now as the source of last-modified timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithBcryptCost sets the cost used for new password hashes.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.bcryptCost = cost
	}
}

func New(
	db storage,
	remover collectionsRemover,
	tokens tokenIssuer,
	options ...Option,
) *Service {
	s := &Service{
		db:         db,
		remover:    remover,
		tokens:     tokens,
		validate:   validator.New(),
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, option := range options {
		option(s)
	}

	s.dummyHash = sync.OnceValue(func() []byte {
		hash, err := bcrypt.GenerateFromPassword([]byte("danki-dummy-password"), s.bcryptCost)
		if err != nil {
			logger.Log.Errorln("Error calling the `bcrypt.GenerateFromPassword()`:", zap.Error(err))
		}
		return hash
	})

	meter := otel.Meter(instrumentationName)
	s.logins = newCounter(meter, "danki.auth.logins", "Login attempts by result.")
	s.registrations = newCounter(meter, "danki.auth.registrations", "Registration attempts by result.")

	return s
}

func newCounter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		logger.Log.Warnln("Error calling the `meter.Int64Counter()`:", zap.String("name", name), zap.Error(err))
		return noop.Int64Counter{}
	}
	return counter
}

func resultAttr(err error) metric.AddOption {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	return metric.WithAttributes(attribute.String("result", result))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Register stores a new user with a bcrypt hash of the password.
func (s *Service) Register(ctx context.Context, request models.UserRegisterRequest) (err error) {
	ctx, span := s.tracer.Start(ctx, "Service.Register")
	defer func() {
		s.registrations.Add(ctx, 1, resultAttr(err))
		endSpan(span, err)
	}()

	if err := s.validate.Struct(request); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("in internal/service/service.go/Register(): error while `bcrypt.GenerateFromPassword()` calling: %w", err)
	}

	_, err = s.db.CreateUser(ctx, &user.User{
		ID:           uuid.NewString(),
		Email:        request.Email,
		PasswordHash: string(hash),
	}, nil)
	if err != nil {
		return fmt.Errorf("in internal/service/service.go/Register(): error while `s.db.CreateUser()` calling: %w", err)
	}

	return nil
}

// Login checks the credentials and returns a signed token for the email.
func (s *Service) Login(ctx context.Context, request models.UserAuthRequest) (token string, err error) {
	ctx, span := s.tracer.Start(ctx, "Service.Login")
	defer func() {
		s.logins.Add(ctx, 1, resultAttr(err))
		endSpan(span, err)
	}()

	if err := s.validate.Struct(request); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	usr, err := s.db.GetUserByEmail(ctx, request.Email, nil)
	if errors.Is(err, models.ErrNotFound) {
		// Unknown emails still pay for one bcrypt comparison.
		_ = bcrypt.CompareHashAndPassword(s.dummyHash(), []byte(request.Password))
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("in internal/service/service.go/Login(): error while `s.db.GetUserByEmail()` calling: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(usr.PasswordHash), []byte(request.Password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err = s.tokens.BuildJWTString(usr.Email)
	if err != nil {
		return "", fmt.Errorf("in internal/service/service.go/Login(): error while `s.tokens.BuildJWTString()` calling: %w", err)
	}

	return token, nil
}

// parseID returns id in canonical form, or sentinel wrapped with the parse error.
func parseID(id string, sentinel error) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", sentinel, id, err)
	}
	return parsed.String(), nil
}

func (s *Service) getUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, error) {
	usr, err := s.db.GetUserByEmail(ctx, email, transaction)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", email, err)
	}
	return usr, nil
}

// GetUserCollections returns one page of collections. An empty query.UserID
// selects the caller's own collections; any other id must belong to the caller.
func (s *Service) GetUserCollections(
	ctx context.Context,
	email string,
	query models.CollectionsQuery,
) (result []models.CardCollectionDTO, err error) {
	ctx, span := s.tracer.Start(ctx, "Service.GetUserCollections")
	defer func() { endSpan(span, err) }()

	owner, err := s.resolveCollectionsOwner(ctx, email, query.UserID)
	if err != nil {
		return nil, err
	}

	collections, err := s.db.GetUserCollections(ctx, owner.ID, models.CollectionsPage{
		Offset:    query.Offset,
		Limit:     query.Limit,
		Sort:      query.Sort,
		Ascending: query.Ascending,
	})
	if err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/GetUserCollections(): error while `s.db.GetUserCollections()` calling: %w", err)
	}

	result = make([]models.CardCollectionDTO, 0, len(collections))
	for _, collection := range collections {
		result = append(result, collection.ToDTO())
	}

	return result, nil
}

func (s *Service) resolveCollectionsOwner(ctx context.Context, email, userID string) (*user.User, error) {
	if userID == "" {
		return s.getUserByEmail(ctx, email, nil)
	}

	userID, err := parseID(userID, ErrInvalidUserID)
	if err != nil {
		return nil, err
	}

	owner, err := s.db.GetUserByID(ctx, userID, nil)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", userID, err)
	}

	if err := auth.CheckOwnership(owner.Email, email); err != nil {
		return nil, err
	}

	return owner, nil
}

// CreateCollection stores a new collection owned by the caller and returns its id.
func (s *Service) CreateCollection(ctx context.Context, email, name string) (id string, err error) {
	ctx, span := s.tracer.Start(ctx, "Service.CreateCollection")
	defer func() { endSpan(span, err) }()

	request := models.CreateCardCollectionRequest{Name: name}
	if err := s.validate.Struct(request); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	owner, err := s.getUserByEmail(ctx, email, nil)
	if err != nil {
		return "", err
	}

	id, err = s.db.CreateCollection(ctx, &models.CardCollection{
		ID:           uuid.NewString(),
		Name:         request.Name,
		OwnerID:      owner.ID,
		LastModified: s.now().UTC(),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("in internal/service/service.go/CreateCollection(): error while `s.db.CreateCollection()` calling: %w", err)
	}

	return id, nil
}

// RenameCollection changes the name of a collection owned by the caller.
func (s *Service) RenameCollection(
	ctx context.Context,
	email string,
	collectionID string,
	name string,
) (result *models.CardCollectionDTO, err error) {
	ctx, span := s.tracer.Start(ctx, "Service.RenameCollection")
	defer func() { endSpan(span, err) }()

	collectionID, err = parseID(collectionID, ErrInvalidCollectionID)
	if err != nil {
		return nil, err
	}
	request := models.RenameCardCollectionRequest{Name: name}
	if err := s.validate.Struct(request); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	tx, err := s.db.BeginTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/RenameCollection(): error while `s.db.BeginTransaction()` calling: %w", err)
	}
	defer func() {
		_ = s.db.RollbackTransaction(tx)
	}()

	collection, err := s.db.GetCollectionByID(ctx, collectionID, tx)
	if err != nil {
		return nil, fmt.Errorf("collection %q: %w", collectionID, err)
	}

	owner, err := s.db.GetUserByID(ctx, collection.OwnerID, tx)
	if err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/RenameCollection(): error while `s.db.GetUserByID()` calling: %w", err)
	}
	if err := auth.CheckOwnership(owner.Email, email); err != nil {
		return nil, err
	}

	collection.Name = request.Name
	collection.LastModified = s.now().UTC()
	if err := s.db.UpdateCollection(ctx, collection, tx); err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/RenameCollection(): error while `s.db.UpdateCollection()` calling: %w", err)
	}

	if err := s.db.CommitTransaction(tx); err != nil {
		return nil, fmt.Errorf("in internal/service/service.go/RenameCollection(): error while `s.db.CommitTransaction()` calling: %w", err)
	}

	dto := collection.ToDTO()
	return &dto, nil
}

// DeleteCollectionsAsync enqueues the caller's collections for background removal.
// Ids the caller does not own are skipped by the storage.
func (s *Service) DeleteCollectionsAsync(ctx context.Context, email string, ids models.DeleteCollectionsRequest) error {
	normalized := make([]string, 0, len(ids))
	for _, id := range ids {
		parsed, err := parseID(id, ErrInvalidCollectionID)
		if err != nil {
			return err
		}
		normalized = append(normalized, parsed)
	}

	owner, err := s.getUserByEmail(ctx, email, nil)
	if err != nil {
		return err
	}

	s.remover.EnqueueJob(&models.CollectionsDeleteJob{
		UserID:              owner.ID,
		CollectionsToDelete: funk.UniqString(normalized),
	})

	return nil
}

// GetInternalStats returns the number of users and collections.
func (s *Service) GetInternalStats(ctx context.Context) (models.InternalStatsResponse, error) {
	users, err := s.db.GetNumberOfUsers(ctx)
	if err != nil {
		return models.InternalStatsResponse{}, err
	}

	collections, err := s.db.GetNumberOfCollections(ctx)
	if err != nil {
		return models.InternalStatsResponse{}, err
	}

	return models.InternalStatsResponse{
		Users:       users,
		Collections: collections,
	}, nil
}

// Ping checks the health of the storage layer.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
