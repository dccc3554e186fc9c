// Package supervisor is the node side of XT: the authenticated control RPC
// the engine talks to, the run controller behind it and the per-machine
// queue agent of pool targets.
package supervisor

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Environment variables set on every supervisor.
const (
	EnvNodeID        = "XT_NODE_ID"
	EnvJobID         = "XT_JOB_ID"
	EnvBoxSecret     = "XT_BOX_SECRET"
	EnvServerCert    = "XT_SERVER_CERT"
	EnvStoreCreds    = "XT_STORE_CREDS"
	EnvMongoConnStr  = "XT_MONGO_CONN_STR"
	EnvStoreCodePath = "XT_STORE_CODE_PATH"
	// EnvControlPort overrides the port the controller listens on.
	EnvControlPort = "XT_CONTROL_PORT"
)

// StoreCreds tell a node how to reach the shared stores.
type StoreCreds struct {
	RecordStore    string `json:"record_store"`
	BlobStore      string `json:"blob_store"`
	LocalStoreDir  string `json:"local_store_dir,omitempty"`
	MinIOEndpoint  string `json:"minio_endpoint,omitempty"`
	MinIOAccessKey string `json:"minio_access_key,omitempty"`
	MinIOSecretKey string `json:"minio_secret_key,omitempty"`
	MinIOBucket    string `json:"minio_bucket,omitempty"`
	MinIOUseSSL    bool   `json:"minio_use_ssl,omitempty"`
	RedisAddr      string `json:"redis_addr,omitempty"`
	SigningKey     string `json:"signing_key,omitempty"`
}

// CredsFromConfig captures the store settings a node needs.
func CredsFromConfig(cfg *config.Config) StoreCreds {
	c := StoreCreds{
		RecordStore:    cfg.RecordStore,
		BlobStore:      cfg.BlobStore,
		LocalStoreDir:  cfg.LocalStoreDir,
		MinIOEndpoint:  cfg.MinIOEndpoint,
		MinIOAccessKey: cfg.MinIOAccessKey,
		MinIOSecretKey: cfg.MinIOSecretKey,
		MinIOBucket:    cfg.MinIOBucket,
		MinIOUseSSL:    cfg.MinIOUseSSL,
		SigningKey:     cfg.SigningKey,
	}
	if cfg.RedisHost != "" {
		c.RedisAddr = cfg.RedisHost + ":" + cfg.RedisPort
	}
	return c
}

// Apply overlays the creds onto cfg.
func (c StoreCreds) Apply(cfg *config.Config) {
	if c.RecordStore != "" {
		cfg.RecordStore = c.RecordStore
	}
	if c.BlobStore != "" {
		cfg.BlobStore = c.BlobStore
	}
	if c.LocalStoreDir != "" {
		cfg.LocalStoreDir = c.LocalStoreDir
	}
	if c.MinIOEndpoint != "" {
		cfg.MinIOEndpoint = c.MinIOEndpoint
		cfg.MinIOAccessKey = c.MinIOAccessKey
		cfg.MinIOSecretKey = c.MinIOSecretKey
		cfg.MinIOBucket = c.MinIOBucket
		cfg.MinIOUseSSL = c.MinIOUseSSL
	}
	if host, port, ok := strings.Cut(c.RedisAddr, ":"); ok {
		cfg.RedisHost, cfg.RedisPort = host, port
	}
	if c.SigningKey != "" {
		cfg.SigningKey = c.SigningKey
	}
}

// NodeEnv is the decoded supervisor environment.
type NodeEnv struct {
	JobID      string
	NodeID     string
	BoxSecret  string
	ServerCert []byte
	StoreCreds StoreCreds
	// MongoConnStr is the record store connection string.
	MongoConnStr  string
	StoreCodePath string
	ControlPort   int
}

// Vars encodes the environment. Binary values are base64.
func (e NodeEnv) Vars() (map[string]string, error) {
	creds, err := json.Marshal(e.StoreCreds)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryInternal, err, "encode store creds")
	}
	vars := map[string]string{
		EnvJobID:         e.JobID,
		EnvNodeID:        e.NodeID,
		EnvBoxSecret:     e.BoxSecret,
		EnvStoreCreds:    base64.StdEncoding.EncodeToString(creds),
		EnvStoreCodePath: e.StoreCodePath,
	}
	if len(e.ServerCert) > 0 {
		vars[EnvServerCert] = base64.StdEncoding.EncodeToString(e.ServerCert)
	}
	if e.MongoConnStr != "" {
		vars[EnvMongoConnStr] = base64.StdEncoding.EncodeToString([]byte(e.MongoConnStr))
	}
	if e.ControlPort > 0 {
		vars[EnvControlPort] = strconv.Itoa(e.ControlPort)
	}
	return vars, nil
}

// ReadNodeEnv decodes the environment through getenv.
func ReadNodeEnv(getenv func(string) string) (NodeEnv, error) {
	e := NodeEnv{
		JobID:         getenv(EnvJobID),
		NodeID:        getenv(EnvNodeID),
		BoxSecret:     getenv(EnvBoxSecret),
		StoreCodePath: getenv(EnvStoreCodePath),
	}
	if e.NodeID == "" {
		return e, xterr.Env("%s is not set", EnvNodeID)
	}
	if e.BoxSecret == "" {
		return e, xterr.Env("%s is not set", EnvBoxSecret)
	}
	if v := getenv(EnvServerCert); v != "" {
		cert, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return e, xterr.Wrap(xterr.CategoryEnv, err, "decode "+EnvServerCert)
		}
		e.ServerCert = cert
	}
	if v := getenv(EnvStoreCreds); v != "" {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return e, xterr.Wrap(xterr.CategoryEnv, err, "decode "+EnvStoreCreds)
		}
		if err := json.Unmarshal(raw, &e.StoreCreds); err != nil {
			return e, xterr.Wrap(xterr.CategoryEnv, err, "parse "+EnvStoreCreds)
		}
	}
	if v := getenv(EnvMongoConnStr); v != "" {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return e, xterr.Wrap(xterr.CategoryEnv, err, "decode "+EnvMongoConnStr)
		}
		e.MongoConnStr = string(raw)
	}
	e.ControlPort = backend.ControlPort
	if v := getenv(EnvControlPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return e, xterr.Env("%s: bad port %q", EnvControlPort, v)
		}
		e.ControlPort = port
	}
	return e, nil
}

// NodeIndex parses the index out of the node id.
func (e NodeEnv) NodeIndex() (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(e.NodeID, "node"))
	if err != nil || n < 0 || models.NodeID(n) != e.NodeID {
		return 0, xterr.Env("%s: bad node id %q", EnvNodeID, e.NodeID)
	}
	return n, nil
}
