// Package server runs the Gatekeep service: the command bridge, the HTTP
// endpoint and the reconciler, all sharing one restriction store.
package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/blacklist"
	"github.com/NicolasHaas/gatekeep/pkg/commands"
	"github.com/NicolasHaas/gatekeep/pkg/datastore"
	"github.com/NicolasHaas/gatekeep/pkg/logging"
	"github.com/NicolasHaas/gatekeep/pkg/metrics"
	"github.com/NicolasHaas/gatekeep/pkg/rbac"
)

// Config holds server configuration. Every field can come from the YAML
// config file; flags override it.
type Config struct {
	ControlAddr string `yaml:"control_addr" validate:"required"` // TCP/TLS bind address for the command bridge
	MetricsAddr string `yaml:"metrics_addr"`                     // HTTP bind address (empty = disabled)
	DBPath      string `yaml:"db_path" validate:"required"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
	DataDir     string `yaml:"data_dir"` // directory for generated certs
	BridgeToken string `yaml:"bridge_token"`
	// BridgeTokenHash is an Argon2id hash from -gen-token. It takes
	// precedence over BridgeToken.
	BridgeTokenHash string        `yaml:"bridge_token_hash"`
	AppealURL       string        `yaml:"appeal_url" validate:"omitempty,url"`
	SweepInterval   time.Duration `yaml:"sweep_interval" validate:"min=1s"`
	Operators       []int64       `yaml:"operators" validate:"required,min=1,dive,gt=0"`

	// CLI-only actions (run and exit)
	ExportRestrictions bool   `yaml:"-"`
	ImportFile         string `yaml:"-"`
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store   datastore.DataProviderFactory
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:   ":9700",
		MetricsAddr:   ":9702",
		DBPath:        "blacklist.db",
		DataDir:       ".",
		SweepInterval: blacklist.DefaultSweepInterval,
	}
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config, logger *slog.Logger) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile

	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	// Try loading existing cert
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		logger.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	logger.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Gatekeep Bridge"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	certOut, err := os.Create(certPath) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		_ = certOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode cert: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close cert file: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close key file: %w", err)
	}

	logger.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.LoadX509KeyPair(certPath, keyPath)
}

// Server wires the blacklist components to the bridge and HTTP endpoints.
type Server struct {
	cfg        Config
	store      datastore.DataProviderFactory
	logger     *slog.Logger
	metrics    *metrics.Metrics
	gate       *blacklist.Gate
	admin      *blacklist.Admin
	reconciler *blacklist.Reconciler
	handler    *commands.Handler
	now        func() time.Time
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	opts := blacklist.Options{
		Now:     now,
		Logger:  deps.Logger,
		Metrics: m,
	}

	st := deps.Store.NonTx()
	gate := blacklist.NewGate(st, opts)
	admin := blacklist.NewAdmin(st, blacklist.AdminConfig{Operators: rbac.NewOperators(cfg.Operators...)}, opts)

	return &Server{
		cfg:        cfg,
		store:      deps.Store,
		logger:     logging.OrDefault(deps.Logger, "server"),
		metrics:    m,
		gate:       gate,
		admin:      admin,
		reconciler: blacklist.NewReconciler(st, blacklist.ReconcilerConfig{Interval: cfg.SweepInterval}, opts),
		handler:    commands.NewHandler(gate, admin, commands.Config{AppealURL: cfg.AppealURL}, opts),
		now:        now,
	}
}
