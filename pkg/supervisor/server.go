package supervisor

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/observability/metrics"
)

// RunControl is what the RPC server exposes of a node controller.
type RunControl interface {
	Runs(stages Stages, ws, runName string) []RunInfo
	CancelRuns(ctx context.Context, names []string) []RunCancel
	CancelRunsByProperty(ctx context.Context, name, value string) []RunCancel
	StatusOfRuns(ws string, names []string) map[string]string
	Concurrent() int
	SetConcurrent(n int) error
	Elapsed() time.Duration
	Log() string
	Restart(ctx context.Context, delay time.Duration) error
}

// Server serves the supervisor RPC, optional queue agent routes, signed blob
// reads and /metrics.
type Server struct {
	router    *mux.Router
	ctrl      RunControl
	boxSecret string
	log       *logrus.Entry
}

// ServerOptions wire the optional parts of a Server.
type ServerOptions struct {
	// Control and BoxSecret enable the /rpc routes.
	Control   RunControl
	BoxSecret string
	// Queue enables the pool agent routes, guarded by PoolKey when set.
	Queue   *Queue
	PoolKey string
	// Blobs and Signer enable GET /blobs/{path} for signed URLs.
	Blobs  blobstore.Store
	Signer *blobstore.URLSigner
}

func NewServer(opts ServerOptions, log *logrus.Entry) *Server {
	s := &Server{router: mux.NewRouter(), ctrl: opts.Control, boxSecret: opts.BoxSecret, log: log}
	s.router.Use(s.logging, s.recovery)
	s.router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	if opts.Control != nil {
		rpc := s.router.PathPrefix("/rpc").Subrouter()
		rpc.Use(authenticate(opts.BoxSecret))
		rpc.HandleFunc("/{method}", s.handleRPC).Methods(http.MethodPost)
	}
	if opts.Queue != nil {
		opts.Queue.register(s.router, opts.PoolKey)
	}
	if opts.Blobs != nil && opts.Signer != nil {
		s.router.HandleFunc("/blobs/{path:.+}", blobHandler(opts.Blobs, opts.Signer)).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve serves on ln until ctx ends. Wrap ln with tls.NewListener for TLS.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return xterr.Wrap(xterr.CategoryEnv, err, "serve supervisor")
	}
	return nil
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		r.Header.Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)

		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"request_id":  reqID,
			"duration":    time.Since(start).Milliseconds(),
		}).Debug("supervisor request")
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.WithField("error", err).Error("panic recovered")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate checks the bearer box secret in constant time.
func authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				metrics.SupervisorCall(false)
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			metrics.SupervisorCall(true)
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Error: msg})
}

func decodeArgs(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return xterr.Syntax("bad request body: %v", err)
	}
	return nil
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	method := mux.Vars(r)["method"]
	result, err := s.dispatch(r, method)
	if err != nil {
		status := http.StatusInternalServerError
		switch xterr.CategoryOf(err) {
		case xterr.CategorySyntax, xterr.CategoryCombo:
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, response{Result: result})
}

func (s *Server) dispatch(r *http.Request, method string) (interface{}, error) {
	switch method {
	case MethodGetRuns:
		var a getRunsArgs
		if err := decodeArgs(r, &a); err != nil {
			return nil, err
		}
		return s.ctrl.Runs(ParseStages(a.StageFlags), a.Workspace, a.RunName), nil

	case MethodCancelRun:
		var a cancelRunArgs
		if err := decodeArgs(r, &a); err != nil {
			return nil, err
		}
		return s.ctrl.CancelRuns(r.Context(), a.RunNames), nil

	case MethodCancelRunsByProperty:
		var a cancelByPropertyArgs
		if err := decodeArgs(r, &a); err != nil {
			return nil, err
		}
		if a.Name == "" {
			return nil, xterr.Syntax("cancel_runs_by_property needs a property name")
		}
		return s.ctrl.CancelRunsByProperty(r.Context(), a.Name, a.Value), nil

	case MethodGetStatusOfRuns:
		var a statusOfRunsArgs
		if err := decodeArgs(r, &a); err != nil {
			return nil, err
		}
		var names []string
		if a.NamesJoined != "" {
			names = strings.Split(a.NamesJoined, RunNamesSep)
		}
		return s.ctrl.StatusOfRuns(a.Workspace, names), nil

	case MethodGetIPAddr:
		return localIP(), nil

	case MethodGetConcurrent:
		return s.ctrl.Concurrent(), nil

	case MethodSetConcurrent:
		var a setConcurrentArgs
		if err := decodeArgs(r, &a); err != nil {
			return nil, err
		}
		return nil, s.ctrl.SetConcurrent(a.Concurrent)

	case MethodElapsedTime:
		return s.ctrl.Elapsed().Seconds(), nil

	case MethodXTVersion:
		return Version, nil

	case MethodControllerLog:
		return s.ctrl.Log(), nil

	case MethodRestartController:
		var a restartArgs
		if err := decodeArgs(r, &a); err != nil {
			return nil, err
		}
		return true, s.ctrl.Restart(r.Context(), time.Duration(a.DelaySeconds*float64(time.Second)))
	}
	return nil, xterr.Syntax("unknown method %q", method)
}

// localIP returns the first non-loopback IPv4 address of the host.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}

// blobHandler serves reads of signed blob URLs.
func blobHandler(store blobstore.Store, signer *blobstore.URLSigner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := mux.Vars(r)["path"]
		q := r.URL.Query()
		if err := signer.Verify(p, q.Get("exp"), q.Get("sig")); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if err := store.Download(r.Context(), p, w); err != nil {
			if xterr.CategoryOf(err) == xterr.CategoryStore {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, "read failed", http.StatusInternalServerError)
		}
	}
}
