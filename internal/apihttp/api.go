// Package apihttp implements the JSON API served under /api.
package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/agrotech-web/internal/auth"
	"github.com/keithlinneman/agrotech-web/internal/catalog"
	"github.com/keithlinneman/agrotech-web/internal/httpmw"
	"github.com/keithlinneman/agrotech-web/internal/inquiry"
	"github.com/keithlinneman/agrotech-web/internal/log"
)

// CatalogProvider returns the active catalog snapshot
type CatalogProvider interface {
	Get() (*catalog.Snapshot, bool)
}

// InquiryStore persists contact inquiries and subscribers
type InquiryStore interface {
	CreateInquiry(ctx context.Context, in inquiry.NewInquiry) (inquiry.Inquiry, error)
	ListInquiries(ctx context.Context, limit int) ([]inquiry.Inquiry, error)
	Subscribe(ctx context.Context, email string) (inquiry.Subscriber, bool, error)
}

// Metrics is implemented by the metrics package
type Metrics interface {
	IncInquiries()
	IncSubscriptions(created bool)
	IncLoginAttempts(success bool)
}

type Options struct {
	Catalog   CatalogProvider
	Inquiries InquiryStore
	Auth      *auth.Authenticator
	Metrics   Metrics
	Logger    log.Logger
}

// API implements the /api endpoints
type API struct {
	catalog   CatalogProvider
	inquiries InquiryStore
	auth      *auth.Authenticator
	metrics   Metrics
	logger    log.Logger
	now       func() time.Time
}

func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Auth == nil {
		opts.Auth = auth.New(auth.Credentials{})
	}
	return &API{
		catalog:   opts.Catalog,
		inquiries: opts.Inquiries,
		auth:      opts.Auth,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// errorBody is the JSON shape of every non 2xx response
type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type healthResponse struct {
	Status         string    `json:"status"`
	ServerTime     time.Time `json:"server_time"`
	CatalogVersion string    `json:"catalog_version,omitempty"`
	CatalogSource  string    `json:"catalog_source,omitempty"`
}

// HandleHealth reports API liveness plus which catalog is being served
func (api *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		ServerTime: api.now().UTC().Truncate(time.Second),
	}
	if snap, ok := api.snapshot(); ok {
		resp.CatalogVersion = snap.Catalog.Version
		resp.CatalogSource = string(snap.Source)
	} else {
		resp.Status = "degraded"
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleSections serves the whole catalog
func (api *API) HandleSections(w http.ResponseWriter, r *http.Request) {
	snap, ok := api.snapshot()
	if !ok {
		api.writeError(r.Context(), w, http.StatusServiceUnavailable, "catalog not loaded")
		return
	}
	w.Header().Set("ETag", strconv.Quote(snap.SHA256))
	api.writeJSON(r.Context(), w, http.StatusOK, snap.Catalog)
}

type sectionResponse struct {
	Kind    catalog.Kind `json:"kind"`
	Version string       `json:"version"`
	Items   any          `json:"items"`
}

// HandleSection serves one section selected by the {kind} route parameter
func (api *API) HandleSection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, ok := catalog.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		api.writeError(ctx, w, http.StatusNotFound, "unknown section")
		return
	}
	snap, ok := api.snapshot()
	if !ok {
		api.writeError(ctx, w, http.StatusServiceUnavailable, "catalog not loaded")
		return
	}
	w.Header().Set("ETag", strconv.Quote(snap.SHA256+"/"+string(kind)))
	api.writeJSON(ctx, w, http.StatusOK, sectionResponse{
		Kind:    kind,
		Version: snap.Catalog.Version,
		Items:   snap.Catalog.Section(kind),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin exchanges operator credentials for a bearer token
func (api *API) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginRequest
	if !api.decode(w, r, &req) {
		return
	}

	tok, err := api.auth.Login(req.Username, req.Password)
	if api.metrics != nil {
		api.metrics.IncLoginAttempts(err == nil)
	}
	if err != nil {
		if errors.Is(err, auth.ErrNotConfigured) {
			log.FromContext(ctx).Warn(ctx, "login attempted but no credentials are configured")
		}
		api.writeError(ctx, w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	log.FromContext(ctx).Info(ctx, "operator login", "enduser.id", req.Username)
	api.writeJSON(ctx, w, http.StatusOK, tok)
}

type contactResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HandleContact stores a contact inquiry
func (api *API) HandleContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req inquiry.NewInquiry
	if !api.decode(w, r, &req) {
		return
	}
	req.ClientIP = httpmw.ClientIPFromContext(ctx)

	q, err := api.inquiries.CreateInquiry(ctx, req)
	if err != nil {
		api.writeStoreError(ctx, w, err, "failed to store inquiry")
		return
	}
	if api.metrics != nil {
		api.metrics.IncInquiries()
	}
	log.FromContext(ctx).Info(ctx, "contact inquiry received", "inquiry_id", q.ID)
	api.writeJSON(ctx, w, http.StatusCreated, contactResponse{ID: q.ID, Status: "received"})
}

type newsletterRequest struct {
	Email string `json:"email"`
}

type newsletterResponse struct {
	Status string `json:"status"`
}

// HandleNewsletter subscribes an address. Repeat subscriptions get the same response.
func (api *API) HandleNewsletter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req newsletterRequest
	if !api.decode(w, r, &req) {
		return
	}

	_, created, err := api.inquiries.Subscribe(ctx, req.Email)
	if err != nil {
		api.writeStoreError(ctx, w, err, "failed to store subscription")
		return
	}
	if api.metrics != nil {
		api.metrics.IncSubscriptions(created)
	}
	log.FromContext(ctx).Debug(ctx, "newsletter subscription", "created", created)
	api.writeJSON(ctx, w, http.StatusOK, newsletterResponse{Status: "subscribed"})
}

type inquiriesResponse struct {
	Inquiries []inquiry.Inquiry `json:"inquiries"`
}

// HandleListInquiries lists stored inquiries, newest first. Requires a token.
func (api *API) HandleListInquiries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			api.writeError(ctx, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := api.inquiries.ListInquiries(ctx, limit)
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "list inquiries failed")
		api.writeError(ctx, w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []inquiry.Inquiry{}
	}
	api.writeJSON(ctx, w, http.StatusOK, inquiriesResponse{Inquiries: list})
}

func (api *API) snapshot() (*catalog.Snapshot, bool) {
	if api.catalog == nil {
		return nil, false
	}
	return api.catalog.Get()
}

// decode reads a single JSON object from the body, writing a 4xx and returning false on failure
func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	ctx := r.Context()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil {
		if dec.Decode(&struct{}{}) != io.EOF {
			err = errors.New("trailing data after JSON object")
		}
	}
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		api.writeError(ctx, w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	log.FromContext(ctx).Debug(ctx, "rejected request body", "error", err.Error())
	api.writeError(ctx, w, http.StatusBadRequest, "invalid request body")
	return false
}

func (api *API) writeStoreError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, inquiry.ErrInvalid) {
		fields := make(map[string]string)
		for _, fe := range inquiry.FieldErrors(err) {
			fields[fe.Field] = fe.Reason
		}
		api.writeJSON(ctx, w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: fields})
		return
	}
	log.FromContext(ctx).Error(ctx, err, msg)
	api.writeError(ctx, w, http.StatusInternalServerError, "internal server error")
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Cache-Control", "no-store")
	api.writeJSON(ctx, w, status, errorBody{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
