package backend

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Deps are the handles a backend factory may use. Backends get the stores,
// never the engine.
type Deps struct {
	Blobs  blobstore.Store
	Client *http.Client
	Retry  Retry
	Log    *logrus.Entry
}

// New builds the backend for a compute target of the config file.
func New(ctx context.Context, file config.File, targetName string, deps Deps) (Backend, error) {
	target, svc, err := file.Target(targetName)
	if err != nil {
		return nil, err
	}
	kind, err := ParseKind(svc.Kind)
	if err != nil {
		return nil, err
	}
	log := deps.Log.WithFields(logrus.Fields{"target": targetName, "backend": string(kind)})

	switch kind {
	case KindPool:
		boxes := target.Boxes
		if len(boxes) == 0 {
			boxes = []string{target.Service}
		}
		address := make(map[string]string, len(boxes))
		for _, b := range boxes {
			addr, err := file.Box(b)
			if err != nil {
				return nil, err
			}
			address[b] = addr
		}
		return NewPoolBackend(boxes, address, svc.Key, deps.Client, deps.Retry, log)

	case KindBatch:
		if deps.Blobs == nil {
			return nil, xterr.Internal("batch backend needs a blob store")
		}
		return NewBatchBackend(svc.Endpoint, svc.Key, BatchTarget{
			Nodes:       target.Nodes,
			VMSize:      target.VMSize,
			Image:       target.Image,
			Docker:      target.Docker,
			LowPriority: target.LowPriority,
			HoldPool:    target.HoldPool,
		}, deps.Blobs, deps.Client, deps.Retry, log)

	case KindHosted:
		var creds *HostedCredentials
		if svc.ClientID != "" {
			creds = &HostedCredentials{TenantID: svc.TenantID, ClientID: svc.ClientID, ClientSecret: svc.ClientSecret}
		}
		return NewHostedBackend(ctx, svc.Endpoint, creds, HostedTarget{
			Compute:     target.Compute,
			Image:       target.Docker,
			Distributed: target.Distributed,
		}, deps.Client, deps.Retry, log)
	}
	return nil, xterr.Config("unsupported backend %q", kind)
}
