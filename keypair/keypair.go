// Package keypair keeps a TLS certificate in sync with the files it was
// loaded from.
package keypair

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// KeypairReloader serves the latest successfully loaded certificate.
type KeypairReloader struct {
	certMu   sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	done     chan struct{}
}

// NewKeypairReloader loads the pair and starts watching both files.
func NewKeypairReloader(certPath, keyPath string, logger *zap.Logger) (*KeypairReloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	result := &KeypairReloader{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if err := result.maybeReload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directories so replaced (renamed over) files are seen too.
	dirs := map[string]struct{}{
		filepath.Dir(certPath): {},
		filepath.Dir(keyPath):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	result.watcher = watcher

	go result.watch()
	return result, nil
}

func (kpr *KeypairReloader) watch() {
	defer close(kpr.done)
	for {
		select {
		case ev, ok := <-kpr.watcher.Events:
			if !ok {
				return
			}
			if !kpr.relevant(ev) {
				continue
			}
			if err := kpr.maybeReload(); err != nil {
				kpr.logger.Warn("keeping old TLS certificate", zap.String("event", ev.String()), zap.Error(err))
				continue
			}
			kpr.logger.Info("reloaded TLS certificate", zap.String("cert", kpr.certPath))
		case err, ok := <-kpr.watcher.Errors:
			if !ok {
				return
			}
			kpr.logger.Error("certificate watcher", zap.Error(err))
		}
	}
}

func (kpr *KeypairReloader) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == filepath.Clean(kpr.certPath) || name == filepath.Clean(kpr.keyPath)
}

func (kpr *KeypairReloader) maybeReload() error {
	newCert, err := tls.LoadX509KeyPair(kpr.certPath, kpr.keyPath)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	kpr.certMu.Lock()
	kpr.cert = &newCert
	kpr.certMu.Unlock()
	return nil
}

// GetCertificateFunc is meant for tls.Config.GetCertificate.
func (kpr *KeypairReloader) GetCertificateFunc() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		kpr.certMu.RLock()
		defer kpr.certMu.RUnlock()
		return kpr.cert, nil
	}
}

// Close stops watching the files.
func (kpr *KeypairReloader) Close() error {
	err := kpr.watcher.Close()
	<-kpr.done
	return err
}
