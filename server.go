package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/missdeer/hdrfetch/keypair"
)

// shutdownTimeout bounds how long in-flight bridge calls may delay exit.
var shutdownTimeout = 10 * time.Second

// listenAndServe serves handler until ctx is done. With a keypair it serves
// TLS, and with isHTTP3 it also serves HTTP/3 on the same UDP port.
func listenAndServe(ctx context.Context, addr, certFile, keyFile string, isHTTP3 bool, handler http.Handler, logger *zap.Logger) error {
	httpServer := &http.Server{
		Addr:     addr,
		Handler:  handler,
		ErrorLog: zap.NewStdLog(logger),
	}

	if certFile == "" || keyFile == "" {
		return serveUntilDone(ctx, httpServer, func() error { return httpServer.ListenAndServe() }, nil, logger)
	}

	// Load certs
	kpr, err := keypair.NewKeypairReloader(certFile, keyFile, logger)
	if err != nil {
		return err
	}
	defer kpr.Close()
	config := &tls.Config{
		GetCertificate: kpr.GetCertificateFunc(),
		NextProtos:     []string{"h2", "http/1.1"},
	}
	httpServer.TLSConfig = config

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	tcpConn, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}
	tlsConn := tls.NewListener(tcpConn, config)
	defer tlsConn.Close()

	if !isHTTP3 {
		return serveUntilDone(ctx, httpServer, func() error { return httpServer.Serve(tlsConn) }, nil, logger)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer udpConn.Close()

	quicServer := &http3.Server{
		Addr:      addr,
		TLSConfig: &tls.Config{GetCertificate: kpr.GetCertificateFunc()},
		Handler:   handler,
	}
	// advertise HTTP/3 to clients arriving over TCP
	httpServer.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quicServer.SetQuicHeaders(w.Header())
		handler.ServeHTTP(w, r)
	})

	qErr := make(chan error, 1)
	go func() {
		qErr <- quicServer.Serve(udpConn)
	}()
	logger.Info("serving HTTP/3", zap.String("addr", udpConn.LocalAddr().String()))

	return serveUntilDone(ctx, httpServer, func() error { return httpServer.Serve(tlsConn) }, func() error {
		quicServer.Close()
		return <-qErr
	}, logger)
}

func serveUntilDone(ctx context.Context, srv *http.Server, serve func() error, closeExtra func() error, logger *zap.Logger) error {
	hErr := make(chan error, 1)
	go func() {
		hErr <- serve()
	}()

	var err error
	select {
	case err = <-hErr:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = srv.Shutdown(shutdownCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("in-flight requests did not finish, closing connections", zap.Duration("timeout", shutdownTimeout))
			err = srv.Close()
		}
		<-hErr
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if closeExtra != nil {
		if qErr := closeExtra(); err == nil && qErr != nil && !errors.Is(qErr, http.ErrServerClosed) && !errors.Is(qErr, net.ErrClosed) {
			err = qErr
		}
	}
	return err
}
