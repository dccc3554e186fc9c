// Package engine runs XT operations against the record store, the blob
// store and the compute backends: submit, monitor, cancel, wrap-up, tags,
// workspace archives and the supporting views.
package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/httpclient"
	"github.com/xt-ml/xt/pkg/common/logger"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/events"
	"github.com/xt-ml/xt/pkg/fanout"
	"github.com/xt-ml/xt/pkg/store"
	"github.com/xt-ml/xt/pkg/supervisor"
)

// BackendFactory builds the backend of a compute target.
type BackendFactory func(ctx context.Context, target string) (backend.Backend, error)

// DialFunc opens a supervisor client for a node endpoint.
type DialFunc func(ctx context.Context, ep *backend.Endpoint) (*supervisor.Client, error)

type Options struct {
	Store store.RecordStore
	Blobs blobstore.Store
	// File is the user config; Infra carries the store settings handed to nodes.
	File  config.File
	Infra *config.Config

	Backends BackendFactory
	Events   events.Publisher
	Vault    supervisor.Vault
	CertName string
	Dial     DialFunc
	Planner  fanout.Planner
	Log      *logrus.Entry
}

type Engine struct {
	store    store.RecordStore
	blobs    blobstore.Store
	file     config.File
	infra    *config.Config
	events   events.Publisher
	vault    supervisor.Vault
	certName string
	dial     DialFunc
	planner  fanout.Planner
	log      *logrus.Entry

	factory  BackendFactory
	mu       sync.Mutex
	backends map[string]backend.Backend
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Blobs == nil {
		return nil, xterr.Internal("engine needs a record store and a blob store")
	}
	if opts.Infra == nil {
		opts.Infra = config.Load()
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.CertName == "" {
		opts.CertName = supervisor.DefaultCertName
	}
	e := &Engine{
		store:    opts.Store,
		blobs:    opts.Blobs,
		file:     opts.File,
		infra:    opts.Infra,
		events:   opts.Events,
		vault:    opts.Vault,
		certName: opts.CertName,
		dial:     opts.Dial,
		planner:  opts.Planner,
		log:      opts.Log,
		factory:  opts.Backends,
		backends: map[string]backend.Backend{},
	}
	if e.factory == nil {
		e.factory = e.defaultBackend
	}
	if e.dial == nil {
		e.dial = e.defaultDial
	}
	return e, nil
}

func (e *Engine) defaultBackend(ctx context.Context, target string) (backend.Backend, error) {
	return backend.New(ctx, e.file, target, backend.Deps{
		Blobs:  e.blobs,
		Client: httpclient.New(e.infra.RPCTimeout),
		Retry:  backend.Retry{Attempts: e.infra.RetryAttempts, BaseDelay: e.infra.RetryBaseDelay},
		Log:    e.log,
	})
}

func (e *Engine) defaultDial(ctx context.Context, ep *backend.Endpoint) (*supervisor.Client, error) {
	if e.vault == nil {
		return supervisor.NewClient(ep.Addr(), nil, e.infra.RPCTimeout), nil
	}
	return supervisor.Connect(ctx, e.vault, e.certName, ep.Addr(), e.infra.RPCTimeout)
}

// Backend returns the cached backend of a target.
func (e *Engine) Backend(ctx context.Context, target string) (backend.Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if be, ok := e.backends[target]; ok {
		return be, nil
	}
	be, err := e.factory(ctx, target)
	if err != nil {
		return nil, err
	}
	e.backends[target] = be
	return be, nil
}

// Store exposes the record store to the CLI's list commands.
func (e *Engine) Store() store.RecordStore { return e.store }

// Blobs exposes the blob store.
func (e *Engine) Blobs() blobstore.Store { return e.blobs }

// File is the loaded user config.
func (e *Engine) File() config.File { return e.file }

func (e *Engine) username() string {
	if u := e.file.General.Username; u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

// emit publishes a lifecycle event. Failures are logged, never returned.
func (e *Engine) emit(ctx context.Context, eventType, key string, data map[string]interface{}) {
	if err := e.events.Publish(ctx, eventType, key, data); err != nil {
		e.log.WithError(err).WithField("event_type", eventType).Warn("lifecycle event not published")
	}
}

// nodeClient connects to the supervisor of one node. It returns nil, nil
// when the node has no reachable supervisor yet.
func (e *Engine) nodeClient(ctx context.Context, be backend.Backend, info models.ServiceInfo) (*supervisor.Client, error) {
	if info == nil {
		return nil, nil
	}
	ep, err := be.GetClientCS(ctx, info)
	if err != nil || ep == nil {
		return nil, err
	}
	return e.dial(ctx, ep)
}

func (e *Engine) pollInterval() time.Duration {
	if d, err := time.ParseDuration(e.file.General.MonitorPoll); err == nil && d > 0 {
		return d
	}
	return 500 * time.Millisecond
}
