package webhookd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fetchguard/fetchguard/internal/webhookstore"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds how long Run waits for in-flight deliveries after
// the context is canceled.
const shutdownTimeout = 5 * time.Second

// Server is the inbound callback receiver. It accepts solution deliveries
// from solver providers and persists them to the solution store.
type Server struct {
	store  *webhookstore.Store
	addr   string
	logger *slog.Logger
}

// NewServer creates a callback receiver backed by store, listening on addr.
// An empty addr uses DefaultAddr; a nil logger uses the default logger.
func NewServer(store *webhookstore.Store, addr string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, addr: addr, logger: logger}
}

// Handler returns the receiver's HTTP handler, exposed separately so tests
// can drive it without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /2captcha.txt", s.handleVerification)
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook receiver listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook receiver failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webhook receiver shutdown failed: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleWebhook persists one provider delivery. Providers send the task ID
// as "id" and the solution as "code" in a form-encoded body.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	taskID := r.PostFormValue("id")
	code := r.PostFormValue("code")
	if taskID == "" || code == "" {
		http.Error(w, "missing id or code", http.StatusBadRequest)
		return
	}

	if err := s.store.Save(r.Context(), taskID, code); err != nil {
		s.logger.Error("failed to store delivered solution",
			slog.String("task", taskID),
			slog.String("error", err.Error()))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	s.logger.Info("solution delivered", slog.String("task", taskID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// healthResponse is the GET /health payload.
type healthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	SolutionsCount int    `json:"solutions_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:         "ok",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		SolutionsCount: count,
	})
}

// handleVerification answers the provider's domain ownership probe.
func (s *Server) handleVerification(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}
