// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// zorp-proxy-demo wires the runtime's pieces together end to end: it binds
// a listener, pushes a buffered writer and an optional TLS session onto
// each accepted connection, lets a line framer split client input, spills
// oversized lines into the blob store, and echoes them back out through a
// symmetric outbound stack — the data flow spec.md's OVERVIEW describes
// for a typical proxy session. Shaped after the teacher's
// cmd/nbackup-agent/main.go: flag parsing, then config load, then logger
// construction, then handing off to a long-running component.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/blob"
	"github.com/kkovaacs/libzorpll-sub000/internal/process"
	"github.com/kkovaacs/libzorpll-sub000/internal/threadpool"
	"github.com/kkovaacs/libzorpll-sub000/internal/zaddr"
	"github.com/kkovaacs/libzorpll-sub000/internal/zconfig"
	"github.com/kkovaacs/libzorpll-sub000/internal/zlog"
	"github.com/kkovaacs/libzorpll-sub000/internal/zstream"
	"github.com/kkovaacs/libzorpll-sub000/internal/ztls"
)

// addrFromHostPort parses a "host:port" listen address into a *zaddr.Addr,
// picking the IPv4 or IPv6 variant the resolved address carries.
func addrFromHostPort(hostport string) (*zaddr.Addr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("zorp-proxy-demo: invalid port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("zorp-proxy-demo: resolving %q: %w", host, err)
		}
		ip = addrs[0]
	}
	if v4 := ip.To4(); v4 != nil {
		return zaddr.NewIPv4(v4, port), nil
	}
	return zaddr.NewIPv6(ip, port), nil
}

func main() {
	flags, err := zconfig.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "zorp-proxy-demo: %v\n", err)
		os.Exit(1)
	}

	cfg, err := zconfig.LoadFile(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zorp-proxy-demo: %v\n", err)
		os.Exit(1)
	}

	base, closer := zlog.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()
	logger := zlog.New(base, zlog.Level(flags.Logging.Verbose))
	if flags.Logging.LogSpec != "" {
		if err := logger.SetSpec(flags.Logging.LogSpec); err != nil {
			fmt.Fprintf(os.Stderr, "zorp-proxy-demo: %v\n", err)
			os.Exit(1)
		}
	}

	if flags.Process.FDLimitMin > 0 {
		if err := process.EnsureFDLimit(flags.Process.FDLimitMin); err != nil {
			logger.Log(context.Background(), "core.error", 1, "raising fd limit: %v", err)
		}
	}
	if err := process.SetCoreDumps(flags.Process.EnableCore); err != nil {
		logger.Log(context.Background(), "core.error", 3, "setting core dump policy: %v", err)
	}

	pool, err := threadpool.New(threadpool.Config{
		Size:        flags.Thread.Threads,
		StackSizeKB: flags.Thread.StackSizeKB,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "zorp-proxy-demo: %v\n", err)
		os.Exit(1)
	}
	pool.OnStart(func(i int) {})
	pool.OnStop(func(i int) {})
	pool.Start()
	defer pool.Close()

	blobCfg := blob.Config{TmpDir: cfg.Blob.TmpDir, Logger: base}
	sizes, err := zconfig.ResolveBlobSizes(cfg.Blob)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zorp-proxy-demo: %v\n", err)
		os.Exit(1)
	}
	blobCfg.MemMax = sizes.MemMax
	blobCfg.Hiwat = sizes.Hiwat
	blobCfg.Lowat = sizes.Lowat
	if n, err := zconfig.ParseByteSize(cfg.Blob.DiskMax); err == nil {
		blobCfg.DiskMax = n
	}
	blobSys, err := blob.New(blobCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zorp-proxy-demo: %v\n", err)
		os.Exit(1)
	}
	defer blobSys.Unref()

	var session *ztls.Session
	if cfg.TLS.CertFile != "" {
		session, err = ztls.NewSession(ztls.Config{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CADir:    cfg.TLS.CADir,
			CRLDir:   cfg.TLS.CRLDir,
			Policy:   ztls.VerifyOptional,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "zorp-proxy-demo: tls: %v\n", err)
			os.Exit(1)
		}
	}

	addr, err := addrFromHostPort(cfg.Listen.Address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zorp-proxy-demo: %v\n", err)
		os.Exit(1)
	}

	srv := &proxyServer{
		logger:  logger,
		blobSys: blobSys,
		session: session,
		pool:    pool,
	}

	ln := zstream.NewListener(addr, 0)
	if err := ln.Start(srv.onAccept); err != nil {
		fmt.Fprintf(os.Stderr, "zorp-proxy-demo: %v\n", err)
		os.Exit(1)
	}

	sup := &process.Supervisor{
		Logger:         base,
		PIDFile:        flags.Process.PIDFile,
		Restart:        process.RestartPolicy{Max: flags.Process.RestartMax, Interval: flags.Process.RestartInterval},
		NotifyInterval: flags.Process.NotifyInterval,
	}
	if err := sup.Run(&listenerChild{ln: ln}); err != nil {
		logger.Log(context.Background(), "core.error", 1, "supervisor exited: %v", err)
		os.Exit(1)
	}
}

// listenerChild adapts a *zstream.Listener to process.Child: Run blocks
// until ctx is canceled, then cancels the listener; Reload is a no-op
// since this demo has nothing dynamic to reconfigure on SIGHUP.
type listenerChild struct {
	ln *zstream.Listener
}

func (c *listenerChild) Run(ctx context.Context) error {
	<-ctx.Done()
	return c.ln.Cancel()
}

func (c *listenerChild) Reload() error { return nil }

// proxyServer implements the data flow spec.md's OVERVIEW names: accept →
// buffered line stack → (blob spill for oversized lines) → echo.
type proxyServer struct {
	logger  *zlog.Logger
	blobSys *blob.System
	session *ztls.Session
	pool    *threadpool.Pool
}

const maxLineBytes = 4096

func (p *proxyServer) onAccept(s *zstream.Stream, peer, local *zaddr.Addr) bool {
	p.pool.TrySubmit(func(ctx context.Context) {
		p.handle(s, peer)
	})
	return true
}

func (p *proxyServer) handle(s *zstream.Stream, peer *zaddr.Addr) {
	defer s.Close()

	top := zstream.NewBufLayer(s)
	stack := zstream.New("buf", top)
	defer stack.Close()

	if p.session != nil {
		sslLayer := zstream.NewSSLLayerServer(stack, p.session.TLSConfig)
		stack = zstream.New("ssl", sslLayer)
		defer stack.Close()
		if err := sslLayer.Handshake(); err != nil {
			p.logger.Log(context.Background(), "http.request", 3, "tls handshake with %s failed: %v", peer, err)
			return
		}
	}

	lineLayer := zstream.NewLineLayer(stack, maxLineBytes, zstream.EOLLF, zstream.NulTolerant, zstream.OversizeError, false)
	lines := zstream.New("line", lineLayer)
	defer lines.Close()

	for {
		line, status, err := lineLayer.GetLine()
		if status == zstream.StatusEof {
			return
		}
		if status == zstream.StatusError {
			p.logger.Log(context.Background(), "core.error", 3, "reading line from %s: %v", peer, err)
			return
		}
		if status == zstream.StatusAgain {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if n, ok := parsePutCommand(line); ok {
			// Read the body through lines, not stack: GetLine may already
			// have pulled body bytes ahead into the line layer's internal
			// buffer, and only the line layer's own Read drains that
			// buffer before falling through to the underlying stream.
			if err := p.handlePut(lines, lines, n, peer); err != nil {
				p.logger.Log(context.Background(), "core.error", 3, "handling PUT from %s: %v", peer, err)
				return
			}
			continue
		}

		if len(line) > maxLineBytes/2 {
			p.spillToBlob(line, peer)
		}

		if _, _, err := lines.WriteChunk(line); err != nil {
			p.logger.Log(context.Background(), "core.error", 3, "echoing line to %s: %v", peer, err)
			return
		}
	}
}

// parsePutCommand recognizes a "PUT <n>" bulk-upload request line, where n
// is the number of raw bytes immediately following on the wire.
func parsePutCommand(line []byte) (int64, bool) {
	const prefix = "PUT "
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return 0, false
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(line[len(prefix):])), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// handlePut reads exactly n raw bytes straight off the stream into a fresh
// blob using the fixed-buffer chunked copy, then streams them straight back
// out to the peer from the blob — spec.md's read_from_stream/
// write_to_stream pair, wired into an actual connection handler rather than
// left as library-only code.
func (p *proxyServer) handlePut(s, out *zstream.Stream, n int64, peer *zaddr.Addr) error {
	b, err := blob.New(p.blobSys, n)
	if err != nil {
		return fmt.Errorf("allocating blob for PUT from %s: %w", peer, err)
	}
	defer b.Unref()

	if _, err := zstream.ReadBlobFromStream(b, 0, s, n, 5*time.Second); err != nil {
		return fmt.Errorf("reading PUT body from %s: %w", peer, err)
	}
	p.logger.Log(context.Background(), "core.debug", 6, "buffered %d-byte PUT body from %s into a blob", n, peer)

	if _, err := zstream.WriteBlobToStream(b, 0, out, n, 5*time.Second); err != nil {
		return fmt.Errorf("writing PUT body back to %s: %w", peer, err)
	}
	return nil
}

func (p *proxyServer) spillToBlob(line []byte, peer *zaddr.Addr) {
	b, err := blob.New(p.blobSys, int64(len(line)))
	if err != nil {
		p.logger.Log(context.Background(), "core.error", 3, "allocating blob for %s: %v", peer, err)
		return
	}
	defer b.Unref()

	if _, err := b.AddCopy(0, line, len(line), time.Second); err != nil {
		p.logger.Log(context.Background(), "core.error", 3, "spilling line from %s to blob: %v", peer, err)
		return
	}
	p.logger.Log(context.Background(), "core.debug", 6, "spilled %d bytes from %s into a blob", len(line), peer)
}
