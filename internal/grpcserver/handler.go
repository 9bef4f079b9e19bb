package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/patric-chuzhbe/danki/internal/auth"
	"github.com/patric-chuzhbe/danki/internal/logger"
	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/service"
)

type collectionsService interface {
	Register(ctx context.Context, request models.UserRegisterRequest) error

	Login(ctx context.Context, request models.UserAuthRequest) (string, error)

	GetUserCollections(
		ctx context.Context,
		email string,
		query models.CollectionsQuery,
	) ([]models.CardCollectionDTO, error)

	CreateCollection(ctx context.Context, email, name string) (string, error)

	RenameCollection(ctx context.Context, email, collectionID, name string) (*models.CardCollectionDTO, error)

	DeleteCollectionsAsync(ctx context.Context, email string, ids models.DeleteCollectionsRequest) error

	Ping(ctx context.Context) error
}

const maxCollectionsPerDelete = 1000

// DankiHandler implements DankiServer on top of the service layer.
type DankiHandler struct {
	svc      collectionsService
	validate *validator.Validate
}

func NewDankiHandler(svc collectionsService) *DankiHandler {
	return &DankiHandler{
		svc:      svc,
		validate: validator.New(),
	}
}

// codeFor maps a service error onto a gRPC status code.
func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidUserID),
		errors.Is(err, service.ErrInvalidCollectionID),
		errors.Is(err, service.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, models.ErrUserAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, auth.ErrAccessDenied):
		return codes.PermissionDenied
	case errors.Is(err, models.ErrNotFound):
		return codes.NotFound
	default:
		return codes.Internal
	}
}

func serviceError(err error) error {
	code := codeFor(err)
	if code == codes.Internal {
		logger.Log.Errorln("internal error", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

func callerEmail(ctx context.Context) (string, error) {
	email, ok := auth.EmailFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, auth.ErrMissingToken.Error())
	}
	return email, nil
}

// errFieldType is wrapped by the field helpers when a field is present with
// the wrong kind.
var errFieldType = errors.New("malformed field")

// stringField returns "" for an absent or null field.
func stringField(in *structpb.Struct, key string) (string, error) {
	value, ok := in.GetFields()[key]
	if !ok {
		return "", nil
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "", nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	default:
		return "", fmt.Errorf("%w: %s must be a string", errFieldType, key)
	}
}

// intField accepts only whole numbers that fit an int32.
func intField(in *structpb.Struct, key string, fallback int) (int, error) {
	value, ok := in.GetFields()[key]
	if !ok {
		return fallback, nil
	}
	number, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be an integer", errFieldType, key)
	}
	v := number.NumberValue
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Trunc(v) != v || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be an integer", errFieldType, key)
	}

	return int(v), nil
}

func boolField(in *structpb.Struct, key string, fallback bool) (bool, error) {
	value, ok := in.GetFields()[key]
	if !ok {
		return fallback, nil
	}
	flag, ok := value.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", errFieldType, key)
	}

	return flag.BoolValue, nil
}

func invalidArgument(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

// credentials reads the email and password fields.
func credentials(in *structpb.Struct) (string, string, error) {
	email, err := stringField(in, "email")
	if err != nil {
		return "", "", invalidArgument(err)
	}
	password, err := stringField(in, "password")
	if err != nil {
		return "", "", invalidArgument(err)
	}

	return email, password, nil
}

func (h *DankiHandler) Login(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	email, password, err := credentials(in)
	if err != nil {
		return nil, err
	}

	token, err := h.svc.Login(ctx, models.UserAuthRequest{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, serviceError(err)
	}

	return wrapperspb.String(token), nil
}

func (h *DankiHandler) Register(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error) {
	email, password, err := credentials(in)
	if err != nil {
		return nil, err
	}

	err = h.svc.Register(ctx, models.UserRegisterRequest{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, serviceError(err)
	}

	return wrapperspb.Bool(true), nil
}

func (h *DankiHandler) EchoEmail(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	email, err := callerEmail(ctx)
	if err != nil {
		return nil, err
	}

	return wrapperspb.String(email), nil
}

// collectionsQuery applies the listing defaults to the request struct.
// Absent fields keep their defaults, present fields must have the right kind.
func (h *DankiHandler) collectionsQuery(in *structpb.Struct) (models.CollectionsQuery, error) {
	query := models.CollectionsQuery{}

	var err error
	if query.UserID, err = stringField(in, "userId"); err != nil {
		return query, err
	}
	sortParam, err := stringField(in, "sort")
	if err != nil {
		return query, err
	}
	query.Sort = models.ParseCollectionSortParam(sortParam)
	if query.Offset, err = intField(in, "offset", 0); err != nil {
		return query, err
	}
	if query.Limit, err = intField(in, "limit", models.DefaultCollectionsLimit); err != nil {
		return query, err
	}
	if query.Ascending, err = boolField(in, "ascending", true); err != nil {
		return query, err
	}

	if err := h.validate.Var(query.Offset, "min=0"); err != nil {
		return query, fmt.Errorf("%w: offset must be a non-negative integer", errFieldType)
	}
	if err := h.validate.Var(query.Limit, "min=1,max=100"); err != nil {
		return query, fmt.Errorf("%w: limit must be an integer between 1 and 100", errFieldType)
	}

	return query, nil
}

func collectionToValue(collection models.CardCollectionDTO) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"id":            structpb.NewStringValue(collection.ID),
			"name":          structpb.NewStringValue(collection.Name),
			"last_modified": structpb.NewStringValue(collection.LastModified.UTC().Format(time.RFC3339Nano)),
		},
	})
}

func (h *DankiHandler) ListCollections(ctx context.Context, in *structpb.Struct) (*structpb.ListValue, error) {
	email, err := callerEmail(ctx)
	if err != nil {
		return nil, err
	}

	query, err := h.collectionsQuery(in)
	if err != nil {
		return nil, invalidArgument(err)
	}

	collections, err := h.svc.GetUserCollections(ctx, email, query)
	if err != nil {
		return nil, serviceError(err)
	}

	result := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(collections))}
	for _, collection := range collections {
		result.Values = append(result.Values, collectionToValue(collection))
	}

	return result, nil
}

func (h *DankiHandler) CreateCollection(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	email, err := callerEmail(ctx)
	if err != nil {
		return nil, err
	}

	id, err := h.svc.CreateCollection(ctx, email, in.GetValue())
	if err != nil {
		return nil, serviceError(err)
	}

	return wrapperspb.String(id), nil
}

func (h *DankiHandler) RenameCollection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	email, err := callerEmail(ctx)
	if err != nil {
		return nil, err
	}

	id, err := stringField(in, "id")
	if err != nil {
		return nil, invalidArgument(err)
	}
	name, err := stringField(in, "name")
	if err != nil {
		return nil, invalidArgument(err)
	}

	renamed, err := h.svc.RenameCollection(ctx, email, id, name)
	if err != nil {
		return nil, serviceError(err)
	}

	return collectionToValue(*renamed).GetStructValue(), nil
}

func (h *DankiHandler) DeleteCollections(ctx context.Context, in *structpb.ListValue) (*emptypb.Empty, error) {
	email, err := callerEmail(ctx)
	if err != nil {
		return nil, err
	}

	ids := make(models.DeleteCollectionsRequest, 0, len(in.GetValues()))
	for _, value := range in.GetValues() {
		id, ok := value.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "collection ids must be strings")
		}
		ids = append(ids, id.StringValue)
	}
	if err := h.validate.Var(ids, "required,min=1,max=1000"); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "expected between 1 and %d collection ids", maxCollectionsPerDelete)
	}

	if err := h.svc.DeleteCollectionsAsync(ctx, email, ids); err != nil {
		return nil, serviceError(err)
	}

	return &emptypb.Empty{}, nil
}

func (h *DankiHandler) Ping(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := h.svc.Ping(ctx); err != nil {
		logger.Log.Debugln("Error calling the `h.svc.Ping()`:", zap.Error(err))
		return nil, status.Error(codes.Unavailable, "storage is unavailable")
	}

	return &emptypb.Empty{}, nil
}
