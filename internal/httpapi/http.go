// Package httpapi is the HTTP front door: the public login endpoint plus
// the token-guarded admin API.
package httpapi

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"indotex-license-server/internal/admin"
	"indotex-license-server/internal/license"
	"indotex-license-server/internal/store"
)

type API struct {
	validator  *license.Validator
	admin      *admin.Service
	adminToken string
	logger     *slog.Logger
}

// New builds the API. An empty adminToken disables the admin routes.
func New(v *license.Validator, adm *admin.Service, adminToken string, logger *slog.Logger) *API {
	return &API{
		validator:  v,
		admin:      adm,
		adminToken: adminToken,
		logger:     logger.With("component", "httpapi"),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/v1/login", a.handleLogin)

	r.Route("/api/users", func(r chi.Router) {
		r.Use(a.requireAdminToken)
		r.Get("/", a.handleListUsers)
		r.Post("/", a.handleCreateUser)
		r.Route("/{username}", func(r chi.Router) {
			r.Get("/", a.handleGetUser)
			r.Patch("/", a.handleEditUser)
			r.Post("/unbind", a.handleUnbindUser)
			r.Delete("/", a.handleDeleteUser)
		})
	})

	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

func (l *loginRequest) Bind(r *http.Request) error {
	if l.Username == "" {
		return errors.New("username is required")
	}
	if l.Password == "" {
		return errors.New("password is required")
	}
	// Device may be empty; an empty descriptor still fingerprints.
	return nil
}

type loginResponse struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Username string   `json:"username"`
	Devices  []string `json:"devices"`
}

// errResponse is the failure shape shared by every endpoint. MaxDevices and
// Devices appear only for DEVICE_LIMIT_REACHED.
type errResponse struct {
	Status     string   `json:"status"`
	Message    string   `json:"message"`
	Code       string   `json:"code,omitempty"`
	MaxDevices int      `json:"max_devices,omitempty"`
	Devices    []string `json:"devices,omitempty"`

	httpStatus int
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.httpStatus)
	return nil
}

func badRequest(msg string) *errResponse {
	return &errResponse{Status: "error", Message: msg, httpStatus: http.StatusBadRequest}
}

func httpStatus(code license.Code) int {
	switch code {
	case license.CodeUserNotFound:
		return http.StatusNotFound
	case license.CodeInvalidCredential:
		return http.StatusUnauthorized
	case license.CodeLicenseExpired, license.CodeDeviceLimit:
		return http.StatusForbidden
	case license.CodeUserExists:
		return http.StatusConflict
	case license.CodeMalformedDate:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// renderError maps the error taxonomy onto the wire. Unclassified errors
// from admin commands are caller mistakes (bad arguments), not crashes.
func (a *API) renderError(w http.ResponseWriter, r *http.Request, err error) {
	var lerr *license.Error
	if errors.As(err, &lerr) {
		_ = render.Render(w, r, &errResponse{
			Status:     "error",
			Message:    lerr.Message,
			Code:       string(lerr.Code),
			MaxDevices: lerr.MaxDevices,
			Devices:    lerr.Devices,
			httpStatus: httpStatus(lerr.Code),
		})
		return
	}
	_ = render.Render(w, r, badRequest(err.Error()))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	data := &loginRequest{}
	if err := render.Bind(r, data); err != nil {
		_ = render.Render(w, r, badRequest(err.Error()))
		return
	}
	res, err := a.validator.Login(r.Context(), license.LoginRequest{
		Username: data.Username,
		Password: data.Password,
		Device:   data.Device,
	})
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	render.JSON(w, r, loginResponse{
		Status:   "ok",
		Message:  res.Message,
		Username: res.Username,
		Devices:  res.Devices,
	})
}

// userView is the admin-facing projection of an account. Credential
// material never leaves the store.
type userView struct {
	Username   string     `json:"username"`
	MaxDevices int        `json:"max_devices"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Devices    []string   `json:"devices"`
	CreatedAt  time.Time  `json:"created_at"`
}

func viewOf(acc *store.UserAccount) userView {
	return userView{
		Username:   acc.Username,
		MaxDevices: acc.MaxDevices,
		ExpiresAt:  acc.ExpiresAt,
		Devices:    acc.DeviceIDs(),
		CreatedAt:  acc.CreatedAt,
	}
}

type createUserRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	MaxDevices int    `json:"max_devices"`
	Expiration string `json:"expiration"`
}

func (c *createUserRequest) Bind(r *http.Request) error {
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

type editUserRequest struct {
	Password   string `json:"password"`
	MaxDevices int    `json:"max_devices"`
	Expiration string `json:"expiration"`
}

func (e *editUserRequest) Bind(r *http.Request) error { return nil }

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	accs, err := a.admin.ListUsers()
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	views := make([]userView, 0, len(accs))
	for _, acc := range accs {
		views = append(views, viewOf(acc))
	}
	render.JSON(w, r, views)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	acc, err := a.admin.GetUser(chi.URLParam(r, "username"))
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	render.JSON(w, r, viewOf(acc))
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	data := &createUserRequest{}
	if err := render.Bind(r, data); err != nil {
		_ = render.Render(w, r, badRequest(err.Error()))
		return
	}
	acc, err := a.admin.CreateUser(data.Username, data.Password, data.MaxDevices, data.Expiration)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, viewOf(acc))
}

func (a *API) handleEditUser(w http.ResponseWriter, r *http.Request) {
	data := &editUserRequest{}
	if err := render.Bind(r, data); err != nil {
		_ = render.Render(w, r, badRequest(err.Error()))
		return
	}
	acc, err := a.admin.EditUser(chi.URLParam(r, "username"), admin.EditOptions{
		Password:   data.Password,
		MaxDevices: data.MaxDevices,
		Expiration: data.Expiration,
	})
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	render.JSON(w, r, viewOf(acc))
}

func (a *API) handleUnbindUser(w http.ResponseWriter, r *http.Request) {
	acc, err := a.admin.UnbindUser(chi.URLParam(r, "username"))
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	render.JSON(w, r, viewOf(acc))
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.admin.DeleteUser(chi.URLParam(r, "username")); err != nil {
		a.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// requireAdminToken guards the admin routes with a static bearer token.
// There is no session state; every request carries its own authentication.
func (a *API) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken == "" {
			_ = render.Render(w, r, &errResponse{
				Status: "error", Message: "admin API disabled", httpStatus: http.StatusForbidden,
			})
			return
		}
		got := r.Header.Get("Authorization")
		want := "Bearer " + a.adminToken
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			_ = render.Render(w, r, &errResponse{
				Status: "error", Message: "invalid admin token", httpStatus: http.StatusUnauthorized,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
