// Package router wires the HTTP API onto a chi router: authentication,
// card collection endpoints, probes, internal statistics and metrics.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/patric-chuzhbe/danki/internal/auth"
	"github.com/patric-chuzhbe/danki/internal/gzippedhttp"
	"github.com/patric-chuzhbe/danki/internal/health"
	"github.com/patric-chuzhbe/danki/internal/logger"
	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/service"
)

const maxCollectionsPerDelete = 1000

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

	GetInternalStats(ctx context.Context) (models.InternalStatsResponse, error)

	Ping(ctx context.Context) error
}

type authenticator interface {
	AuthenticateUser(h http.Handler) http.Handler
}

type subnetGate interface {
	TrustedSubnetOnly(h http.Handler) http.Handler
}

type telemetry interface {
	Middleware(next http.Handler) http.Handler
	MetricsHandler() http.Handler
}

// Router holds the dependencies of the HTTP handlers.
type Router struct {
	svc      collectionsService
	validate *validator.Validate
}

type initOptions struct {
	telemetry telemetry
}

type InitOption func(*initOptions)

// WithTelemetry instruments every request and mounts GET /metrics.
func WithTelemetry(t telemetry) InitOption {
	return func(options *initOptions) {
		options.telemetry = t
	}
}

// New builds the HTTP handler of the service.
func New(
	svc collectionsService,
	authMiddleware authenticator,
	ipChecker subnetGate,
	optionsProto ...InitOption,
) *chi.Mux {
	options := &initOptions{}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	theRouter := &Router{
		svc:      svc,
		validate: validator.New(),
	}

	readiness := health.NewAggregator(5 * time.Second)
	readiness.Register("storage", health.CheckerFunc(svc.Ping))

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	if options.telemetry != nil {
		router.Use(options.telemetry.Middleware)
	}
	router.Use(
		logger.WithLoggingHTTPMiddleware,
		gzippedhttp.UngzipRequest,
		gzippedhttp.GzipResponse,
	)

	router.Post(`/login`, theRouter.PostLogin)
	router.Post(`/register`, theRouter.PostRegister)
	router.Get(`/hello-world`, theRouter.GetHelloworld)
	router.Get(`/ping`, theRouter.GetPing)
	router.Get(`/healthz`, health.LivenessHandler())
	router.Get(`/readyz`, health.ReadinessHandler(readiness))
	if options.telemetry != nil {
		router.Method(http.MethodGet, `/metrics`, options.telemetry.MetricsHandler())
	}

	router.With(ipChecker.TrustedSubnetOnly).Get(`/api/internal/stats`, theRouter.GetApiinternalstats)

	router.Group(func(protected chi.Router) {
		protected.Use(authMiddleware.AuthenticateUser)

		protected.Get(`/echo-email`, theRouter.GetEchoemail)
		protected.Get(`/collections`, theRouter.GetCollections)
		protected.Get(`/collections/`, theRouter.GetCollections)
		protected.Post(`/collections`, theRouter.PostCollections)
		protected.Post(`/collections/`, theRouter.PostCollections)
		protected.Put(`/collections/{id}`, theRouter.PutCollectionsid)
		protected.Delete(`/collections`, theRouter.DeleteCollections)
	})

	return router
}

func writeJSON(response http.ResponseWriter, status int, payload interface{}) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	if err := json.NewEncoder(response).Encode(payload); err != nil {
		logger.Log.Debugln("Error calling the `json.NewEncoder(response).Encode()`:", zap.Error(err))
	}
}

func writeError(response http.ResponseWriter, status int, message string) {
	writeJSON(response, status, models.ErrorMsg{Message: message})
}

// statusFor maps a service error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidUserID),
		errors.Is(err, service.ErrInvalidCollectionID),
		errors.Is(err, service.ErrValidation),
		errors.Is(err, models.ErrUserAlreadyExists):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(response http.ResponseWriter, request *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Log.Errorln("internal error", "uri", request.RequestURI, "error", err)
		writeError(response, status, http.StatusText(status))
		return
	}
	logger.Log.Debugln("request rejected", "uri", request.RequestURI, "status", status, "error", err)
	writeError(response, status, err.Error())
}

func decodeJSON(request *http.Request, target interface{}) error {
	decoder := json.NewDecoder(request.Body)
	return decoder.Decode(target)
}

func callerEmail(response http.ResponseWriter, request *http.Request) (string, bool) {
	email, ok := auth.EmailFromContext(request.Context())
	if !ok {
		writeError(response, http.StatusUnauthorized, auth.ErrMissingToken.Error())
	}
	return email, ok
}

// PostLogin exchanges credentials for a signed token.
func (router *Router) PostLogin(response http.ResponseWriter, request *http.Request) {
	var credentials models.UserAuthRequest
	if err := decodeJSON(request, &credentials); err != nil {
		writeError(response, http.StatusBadRequest, "malformed request body")
		return
	}

	token, err := router.svc.Login(request.Context(), credentials)
	if err != nil {
		writeServiceError(response, request, err)
		return
	}

	writeJSON(response, http.StatusOK, models.UserAuthResponse{JWT: token})
}

// PostRegister creates a new account.
func (router *Router) PostRegister(response http.ResponseWriter, request *http.Request) {
	var registration models.UserRegisterRequest
	if err := decodeJSON(request, &registration); err != nil {
		writeJSON(response, http.StatusBadRequest, models.UserRegisterResponse{Success: false})
		return
	}

	if err := router.svc.Register(request.Context(), registration); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logger.Log.Errorln("Error calling the `router.svc.Register()`:", zap.Error(err))
		}
		writeJSON(response, status, models.UserRegisterResponse{Success: false})
		return
	}

	writeJSON(response, http.StatusOK, models.UserRegisterResponse{Success: true})
}

// GetEchoemail returns the email carried by the caller's token.
func (router *Router) GetEchoemail(response http.ResponseWriter, request *http.Request) {
	email, ok := callerEmail(response, request)
	if !ok {
		return
	}

	response.Header().Set("Content-Type", "text/plain; charset=utf-8")
	response.WriteHeader(http.StatusOK)
	_, _ = response.Write([]byte(email))
}

// parseCollectionsQuery applies the listing defaults and bounds to the query string.
func parseCollectionsQuery(values url.Values) (models.CollectionsQuery, error) {
	query := models.CollectionsQuery{
		UserID:    values.Get("userId"),
		Offset:    0,
		Limit:     models.DefaultCollectionsLimit,
		Sort:      models.ParseCollectionSortParam(values.Get("sort")),
		Ascending: true,
	}

	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return query, errors.New("offset must be a non-negative integer")
		}
		query.Offset = offset
	}

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > models.MaxCollectionsLimit {
			return query, errors.New("limit must be an integer between 1 and " + strconv.Itoa(models.MaxCollectionsLimit))
		}
		query.Limit = limit
	}

	if raw := values.Get("ascending"); raw != "" {
		ascending, err := strconv.ParseBool(raw)
		if err != nil {
			return query, errors.New("ascending must be a boolean")
		}
		query.Ascending = ascending
	}

	return query, nil
}

// GetCollections lists a page of the caller's card collections.
func (router *Router) GetCollections(response http.ResponseWriter, request *http.Request) {
	email, ok := callerEmail(response, request)
	if !ok {
		return
	}

	query, err := parseCollectionsQuery(request.URL.Query())
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	collections, err := router.svc.GetUserCollections(request.Context(), email, query)
	if err != nil {
		writeServiceError(response, request, err)
		return
	}

	writeJSON(response, http.StatusOK, models.ListOfCollectionsResponse{Collections: collections})
}

// PostCollections creates a collection owned by the caller.
func (router *Router) PostCollections(response http.ResponseWriter, request *http.Request) {
	email, ok := callerEmail(response, request)
	if !ok {
		return
	}

	var payload models.CreateCardCollectionRequest
	if err := decodeJSON(request, &payload); err != nil {
		writeError(response, http.StatusBadRequest, "malformed request body")
		return
	}

	id, err := router.svc.CreateCollection(request.Context(), email, payload.Name)
	if err != nil {
		writeServiceError(response, request, err)
		return
	}

	writeJSON(response, http.StatusCreated, models.CreateCardCollectionResponse{UUID: id})
}

// PutCollectionsid renames one of the caller's collections.
func (router *Router) PutCollectionsid(response http.ResponseWriter, request *http.Request) {
	email, ok := callerEmail(response, request)
	if !ok {
		return
	}

	var payload models.RenameCardCollectionRequest
	if err := decodeJSON(request, &payload); err != nil {
		writeError(response, http.StatusBadRequest, "malformed request body")
		return
	}

	renamed, err := router.svc.RenameCollection(request.Context(), email, chi.URLParam(request, "id"), payload.Name)
	if err != nil {
		writeServiceError(response, request, err)
		return
	}

	writeJSON(response, http.StatusOK, renamed)
}

// DeleteCollections schedules removal of the listed collections and answers 202.
func (router *Router) DeleteCollections(response http.ResponseWriter, request *http.Request) {
	email, ok := callerEmail(response, request)
	if !ok {
		return
	}

	var ids models.DeleteCollectionsRequest
	if err := decodeJSON(request, &ids); err != nil {
		writeError(response, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := router.validate.Var(ids, "required,min=1,max="+strconv.Itoa(maxCollectionsPerDelete)); err != nil {
		writeError(response, http.StatusBadRequest, "expected between 1 and "+strconv.Itoa(maxCollectionsPerDelete)+" collection ids")
		return
	}

	if err := router.svc.DeleteCollectionsAsync(request.Context(), email, ids); err != nil {
		writeServiceError(response, request, err)
		return
	}

	response.WriteHeader(http.StatusAccepted)
}

func (router *Router) GetHelloworld(response http.ResponseWriter, request *http.Request) {
	response.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = response.Write([]byte("Hello indeed!"))
}

// GetPing answers 200 when the storage is reachable and 500 otherwise.
func (router *Router) GetPing(response http.ResponseWriter, request *http.Request) {
	if err := router.svc.Ping(request.Context()); err != nil {
		logger.Log.Debugln("Error calling the `router.svc.Ping()`:", zap.Error(err))
		response.WriteHeader(http.StatusInternalServerError)
		return
	}
	response.WriteHeader(http.StatusOK)
}

// GetApiinternalstats reports the number of users and collections.
func (router *Router) GetApiinternalstats(response http.ResponseWriter, request *http.Request) {
	stats, err := router.svc.GetInternalStats(request.Context())
	if err != nil {
		writeServiceError(response, request, err)
		return
	}

	writeJSON(response, http.StatusOK, stats)
}
