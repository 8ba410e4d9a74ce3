// Package httpapi exposes plugin, client and user administration over HTTP
// and streams bus events to websocket clients.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/core/store"
)

// Plugins is the plugin registry surface served over HTTP
type Plugins interface {
	ListPlugins(ctx context.Context) ([]api.PluginInfo, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
	GetOrderedOptions(ctx context.Context, plugin string) ([]api.Option, error)
	AddOption(ctx context.Context, plugin, option string, typ api.OptionType) error
	RemoveOption(ctx context.Context, plugin, option string) error
	SetOption(ctx context.Context, plugin, option, value string) error
}

// Clients is the client directory surface served over HTTP
type Clients interface {
	List(ctx context.Context) ([]api.Client, error)
	Upsert(ctx context.Context, clientID int, name string) error
	Associate(ctx context.Context, clientID int, plugin string) error
	Disassociate(ctx context.Context, clientID int, plugin string) error
	SetOption(ctx context.Context, clientID int, plugin, option, value string) error
}

// Actions runs plugin actions
type Actions interface {
	Dispatch(ctx context.Context, plugin, action string, out io.Writer) error
	DispatchClient(ctx context.Context, plugin string, clientID int, action string, out io.Writer) error
}

// Records holds users, authorization tags and the audit log
type Records interface {
	ListUsers(ctx context.Context, query string) ([]store.User, error)
	AddUser(ctx context.Context, u store.User) (int64, error)
	SetUserCredential(ctx context.Context, userID int64, credential string) error
	GrantTag(ctx context.Context, userID int64, tag string) error
	RevokeTag(ctx context.Context, userID int64, tag string) error
	ListTags(ctx context.Context) ([]store.Tag, error)
	ListAudit(ctx context.Context, limit int) ([]api.AuditEntry, error)
}

// Deps are the components the server routes to
type Deps struct {
	Plugins Plugins
	Clients Clients
	Actions Actions
	Records Records
	Hub     *Hub
}

// DefaultLogLimit is the number of audit entries returned when no limit is given
const DefaultLogLimit = 100

// Server routes admin requests to the hub's components
type Server struct {
	router chi.Router
	deps   Deps
	logger api.Logger
}

// NewServer creates a new HTTP API server
func NewServer(deps Deps, logger api.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", s.listPlugins)
		r.Route("/{plugin}", func(r chi.Router) {
			r.Put("/enabled", s.setPluginEnabled)
			r.Get("/options", s.getPluginOptions)
			r.Post("/options", s.addPluginOption)
			r.Put("/options/{option}", s.setPluginOption)
			r.Delete("/options/{option}", s.removePluginOption)
			r.Post("/actions/{action}", s.runAction)
		})
	})

	r.Route("/clients", func(r chi.Router) {
		r.Get("/", s.listClients)
		r.Route("/{clientID}", func(r chi.Router) {
			r.Put("/", s.upsertClient)
			r.Post("/plugins/{plugin}", s.associatePlugin)
			r.Delete("/plugins/{plugin}", s.disassociatePlugin)
			r.Put("/plugins/{plugin}", s.setClientOption)
			r.Post("/plugins/{plugin}/actions/{action}", s.runClientAction)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Get("/", s.listUsers)
		r.Post("/", s.addUser)
		r.Put("/{userID}/credential", s.setUserCredential)
		r.Put("/{userID}/tags/{tag}", s.grantTag)
		r.Delete("/{userID}/tags/{tag}", s.revokeTag)
	})

	r.Get("/tags", s.listTags)
	r.Get("/log", s.listLog)

	if s.deps.Hub != nil {
		r.Get("/events", s.deps.Hub.serveEvents)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on address until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "address", address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve HTTP API: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down HTTP API: %w", err)
		}
		s.logger.Info("HTTP API stopped")
		return nil
	}
}

// Plugins

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.deps.Plugins.ListPlugins(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plugins)
}

func (s *Server) setPluginEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value *bool `json:"value"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Value == nil {
		s.writeError(w, fmt.Errorf("%w: value is required", api.ErrInvalidValue))
		return
	}
	if err := s.deps.Plugins.SetEnabled(r.Context(), param(r, "plugin"), *body.Value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPluginOptions(w http.ResponseWriter, r *http.Request) {
	plugin := param(r, "plugin")
	options, err := s.deps.Plugins.GetOrderedOptions(r.Context(), plugin)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plugin":  plugin,
		"options": options,
	})
}

func (s *Server) addPluginOption(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	typ, err := api.ParseOptionType(body.Type)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if body.Name == "" {
		s.writeError(w, fmt.Errorf("%w: name is required", api.ErrInvalidValue))
		return
	}
	if err := s.deps.Plugins.AddOption(r.Context(), param(r, "plugin"), body.Name, typ); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) setPluginOption(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Plugins.SetOption(r.Context(), param(r, "plugin"), param(r, "option"), body.Value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removePluginOption(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Plugins.RemoveOption(r.Context(), param(r, "plugin"), param(r, "option")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request) {
	var out bytes.Buffer
	if err := s.deps.Actions.Dispatch(r.Context(), param(r, "plugin"), param(r, "action"), &out); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out.String()})
}

// Clients

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.deps.Clients.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) upsertClient(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "clientID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Clients.Upsert(r.Context(), id, body.Name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) associatePlugin(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "clientID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Clients.Associate(r.Context(), id, param(r, "plugin")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) disassociatePlugin(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "clientID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Clients.Disassociate(r.Context(), id, param(r, "plugin")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setClientOption(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "clientID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Option string `json:"option"`
		Value  string `json:"value"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Clients.SetOption(r.Context(), id, param(r, "plugin"), body.Option, body.Value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runClientAction(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "clientID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var out bytes.Buffer
	if err := s.deps.Actions.DispatchClient(r.Context(), param(r, "plugin"), id, param(r, "action"), &out); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out.String()})
}

// Users, tags and log

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Records.ListUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) addUser(w http.ResponseWriter, r *http.Request) {
	var u store.User
	if err := decode(r, &u); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.deps.Records.AddUser(r.Context(), u)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) setUserCredential(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "userID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Credential string `json:"credential"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Records.SetUserCredential(r.Context(), id, body.Credential); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) grantTag(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "userID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Records.GrantTag(r.Context(), id, param(r, "tag")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revokeTag(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "userID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Records.RevokeTag(r.Context(), id, param(r, "tag")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.deps.Records.ListTags(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) listLog(w http.ResponseWriter, r *http.Request) {
	limit := DefaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, fmt.Errorf("%w: limit %q", api.ErrInvalidValue, raw))
			return
		}
		limit = n
	}
	entries, err := s.deps.Records.ListAudit(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Helpers

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", api.ErrInvalidValue, err)
	}
	return nil
}

// param returns a decoded path parameter. Plugin and option names contain spaces.
func param(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func intParam(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(param(r, name))
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", api.ErrInvalidValue, name)
	}
	return v, nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(param(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", api.ErrInvalidValue, name)
	}
	return v, nil
}
