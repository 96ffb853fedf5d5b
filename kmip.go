package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/infisical/kmip-engine/admin"
	"github.com/infisical/kmip-engine/config"
	"github.com/infisical/kmip-engine/policy"
	"github.com/infisical/kmip-engine/store"
)

// KmipServer assembles the KMIP server from configuration: certificates,
// object store, policy store and monitor, listener and admin endpoint.
type KmipServer struct {
	Log *log.Logger

	certs    CertificateSet
	server   Server
	policies *policy.Store
	monitor  *policy.Monitor
	admin    *http.Server

	shutdownTimeout time.Duration
	closeStore      func() error
}

// NewKmipServer builds a server from validated configuration
func NewKmipServer(cfg *config.Config, l *log.Logger) (*KmipServer, error) {
	if l == nil {
		l = log.New(io.Discard, "", log.LstdFlags)
	}

	k := &KmipServer{
		Log:             l,
		shutdownTimeout: cfg.ShutdownTimeout,
		closeStore:      func() error { return nil },
	}

	if err := k.certs.Load(cfg.CertificatePath, cfg.KeyPath, cfg.CAPath); err != nil {
		return nil, errors.Wrap(err, "error loading certificates")
	}
	l.Println("[INFO] Certificates loaded successfully")

	tlsConfig, err := NewTLSConfig(&k.certs, TLSOptions{
		AuthSuite:    cfg.AuthSuite,
		CipherSuites: cfg.TLSCipherSuites,
	}, l)
	if err != nil {
		return nil, err
	}

	var objects store.ObjectStore

	switch cfg.StoreBackend {
	case config.StoreRemote:
		remote := store.NewRemoteStore(cfg.RemoteBaseURL, k.certs.ServerCert.SerialNumber.Text(16))
		remote.AccessToken = cfg.RemoteToken
		objects = remote
	default:
		sqlStore, err := store.OpenSQLStore(cfg.DatabasePath, l)
		if err != nil {
			return nil, err
		}
		objects = sqlStore
		k.closeStore = sqlStore.Close
	}

	k.policies = policy.NewStore()
	k.monitor = policy.NewMonitor(cfg.PolicyPath, k.policies, l)

	guard := &Guard{Objects: objects, Policies: k.policies}

	k.server = Server{
		Addr:               cfg.Address(),
		TLSConfig:          tlsConfig,
		Log:                l,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		SessionAuthHandler: NewSessionAuthHandler(k.certs.ServerKey, cfg.EnableTLSClientAuth),
		Objects:            objects,
		Guard:              guard,
		Engine:             NewEngine(guard, l),
	}

	if cfg.AdminAddress != "" {
		k.admin = &http.Server{
			Addr:              cfg.AdminAddress,
			Handler:           admin.NewHandler(k.readinessChecks()),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return k, nil
}

func (k *KmipServer) readinessChecks() map[string]admin.Check {
	return map[string]admin.Check{
		"listener": func() error {
			if !k.server.IsServing() {
				return errors.New("not serving")
			}
			return nil
		},
		"policy_monitor": func() error {
			if state := k.monitor.State(); state != policy.Watching {
				return errors.Errorf("policy monitor is %s", state)
			}
			return nil
		},
	}
}

// ListenAddr returns the bound KMIP listener address once Run has started it
func (k *KmipServer) ListenAddr() net.Addr {
	return k.server.ListenAddr()
}

// Policies returns the live policy store
func (k *KmipServer) Policies() *policy.Store {
	return k.policies
}

// Run starts the policy monitor and the listener and serves until ctx is
// cancelled. On cancellation the monitor is stopped and the server shut
// down, waiting up to the configured shutdown timeout for open sessions.
func (k *KmipServer) Run(ctx context.Context) error {
	defer func() {
		if err := k.closeStore(); err != nil {
			k.Log.Printf("[WARN] Error closing object store: %s", err)
		}
	}()

	if err := k.monitor.Start(); err != nil {
		return err
	}

	if err := k.server.Start(); err != nil {
		k.monitor.Stop()
		return err
	}

	k.Log.Println("[INFO] Server initialized")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(k.server.Serve)

	if k.admin != nil {
		adminListener, err := net.Listen("tcp", k.admin.Addr)
		if err != nil {
			k.monitor.Stop()
			_ = k.server.Shutdown(context.Background())
			_ = g.Wait()
			return errors.Wrapf(ErrNetworking, "admin endpoint failed to bind to %s: %s", k.admin.Addr, err)
		}

		g.Go(func() error {
			if err := k.admin.Serve(adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		k.Log.Println("[INFO] Shutting down")
		k.monitor.Stop()

		timeout := k.shutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if k.admin != nil {
			_ = k.admin.Shutdown(shutdownCtx)
		}

		if err := k.server.Shutdown(shutdownCtx); err != nil {
			k.Log.Printf("[WARN] Sessions still open at shutdown deadline: %s", err)
		}
		return nil
	})

	err := g.Wait()
	k.Log.Println("[INFO] Server closed")

	return err
}
