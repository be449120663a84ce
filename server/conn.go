package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"wire-rpc/coproc"
	"wire-rpc/message"
	"wire-rpc/metrics"
	"wire-rpc/middleware"
	"wire-rpc/protocol"
	"wire-rpc/stream"
)

// handleConn processes a single connection.
// Headers are read in this goroutine, strictly in arrival order. Each message's
// payload is buffered by its own dispatch goroutine; the loop waits for that
// payload to be parsed before it reads the next header, so handlers of earlier
// messages keep running while later messages are parsed.
//
// A per-connection write mutex (writeMu) is shared among all dispatch goroutines on
// this connection so response frames never interleave.
func (svr *Server) handleConn(conn net.Conn, sh *shard) {
	defer func() {
		conn.Close()
		sh.conns.Add(-1)
		svr.untrackConn(conn)
	}()
	log := svr.logger.With(zap.Stringer("remote", conn.RemoteAddr()), zap.Int("shard", sh.id))

	// Bounds the TLS handshake too; it runs on the first read.
	conn.SetDeadline(time.Now().Add(svr.cfg.HandshakeTimeout))
	peer, err := protocol.AcceptNegotiation(conn, protocol.DefaultNegotiation())
	if err != nil {
		log.Debug("negotiation failed", zap.Error(err))
		return
	}
	conn.SetDeadline(time.Time{})
	log.Debug("connection negotiated", zap.Int8("version", peer.Version), zap.Stringer("compression", peer.Compression))

	br := bufio.NewReader(conn)
	writeMu := &sync.Mutex{}
	for {
		in := stream.NewInbound(sh.pool, stream.WithMaxPayloadSize(svr.cfg.MaxPayloadSize))
		if _, err := in.ReadHeader(br); err != nil {
			in.Close()
			if !errors.Is(err, io.EOF) && !svr.shutdown.Load() {
				log.Warn("closing connection", zap.Error(err))
			}
			return
		}
		if !svr.beginRequest() {
			in.Close()
			return
		}
		go svr.dispatch(in, br, conn, writeMu, log)

		<-in.Parsed()
		if err := in.ParseErr(); err != nil {
			// Framing and resource errors never reach a handler; the connection goes.
			if !svr.shutdown.Load() {
				log.Warn("closing connection", zap.Error(err), zap.Bool("framing", protocol.IsFraming(err)))
			}
			return
		}
	}
}

// dispatch buffers the payload announced by in's header, runs the handler and
// writes the response. The Inbound is closed, and its reservations released,
// once the response has been written.
func (svr *Server) dispatch(in *stream.Inbound, r io.Reader, conn net.Conn, writeMu *sync.Mutex, log *zap.Logger) {
	defer svr.wg.Done()
	defer in.Close()

	payload, err := in.ReadPayload(svr.ctx, r)
	if err != nil {
		return
	}
	h := in.Header()
	id := uint32(h.MethodID())

	if svr.collector != nil {
		svr.collector.Begin()
	}
	start := time.Now()
	reply, status := svr.invoke(id, payload, in, log)
	elapsed := time.Since(start)

	reply.SetStatus(status)
	reply.SetCorrelationID(h.CorrelationID)
	bufs, err := reply.AsScattered()
	if err != nil {
		log.Error("encode response", zap.Uint32("method", id), zap.Error(err))
		status = protocol.StatusServerError
		reply = message.New()
		reply.SetStatus(status)
		reply.SetCorrelationID(h.CorrelationID)
		if bufs, err = reply.AsScattered(); err != nil {
			return
		}
	}

	m, registered := svr.methods[id]
	if registered && !svr.cfg.DisableMetrics {
		m.Probes.Record(elapsed)
	}
	if svr.collector != nil {
		svr.collector.Observe(metrics.MethodLabel(id, registered), uint32(status), elapsed)
	}

	writeMu.Lock()
	_, err = bufs.WriteTo(conn)
	writeMu.Unlock()
	if err != nil {
		log.Debug("write response", zap.Uint32("correlation_id", h.CorrelationID), zap.Error(err))
	}
}

// invoke runs the handler for id and maps its outcome to a response status.
func (svr *Server) invoke(id uint32, payload []byte, in *stream.Inbound, log *zap.Logger) (*message.Netbuf, protocol.Status) {
	handler, ok := svr.handlers[id]
	if !ok {
		log.Debug("method not found", zap.Uint32("method", id))
		return message.New(), protocol.StatusMethodNotFound
	}

	reply, err := handler(svr.ctx, bytes.NewReader(payload), in)
	if err != nil {
		fields := []zap.Field{zap.Uint32("method", id), zap.Error(err)}
		if sid, ok := coproc.ScriptIDOf(err); ok {
			fields = append(fields, zap.Uint64("script_id", uint64(sid)))
		}
		log.Warn("handler failed", fields...)
		return message.New(), statusOf(err)
	}
	if reply == nil {
		reply = message.New()
	}
	return reply, protocol.StatusSuccess
}

func statusOf(err error) protocol.Status {
	if errors.Is(err, middleware.ErrHandlerTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return protocol.StatusRequestTimeout
	}
	return protocol.StatusServerError
}
