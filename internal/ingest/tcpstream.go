package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"airguard/internal/config"
	"airguard/internal/model"
)

// StartTCPStream accepts newline-delimited JSON, CSV or key=value records.
// Each connection gets its own parser so CSV headers do not leak between
// clients.
func StartTCPStream(ctx context.Context, cfg config.Source, out chan<- model.SensorMessage, logger *slog.Logger) (net.Addr, error) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil, nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, cfg, out, logger)
		}
	}()
	return ln.Addr(), nil
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, cfg config.Source, out chan<- model.SensorMessage, logger *slog.Logger) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		fields, err := parser.ParseLine(scanner.Text())
		if err != nil || fields == nil {
			continue
		}
		fields.Source = "tcp_stream"
		_ = deliver(ctx, cfg.Get(), *fields, out, logger)
		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
