package transfer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/leafsync/leafsync"
	"github.com/leafsync/leafsync/wire"
)

func sendMsg(w io.Writer, msg interface{}) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return wire.WriteFrame(w, payload)
}

func recvMsg(r io.Reader) (interface{}, error) {
	payload, err := wire.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return wire.Decode(payload)
}

func recvMsgTimeout(r io.Reader) (interface{}, error) {
	msg, err := recvMsg(r)
	if err == io.EOF {
		return nil, leafsync.KindErrorf(leafsync.TransportError, "peer closed stream")
	}
	return msg, err
}

// recvMsgWithContext races a blocking recvMsg against ctx, so a
// suspension point on the stream can still observe cancellation or a
// deadline even though the underlying io.Reader has none of its own.
// opName names the wait for the resulting error's message only.
func recvMsgWithContext(ctx context.Context, r io.Reader, opName string) (interface{}, error) {
	type result struct {
		msg interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := recvMsg(r)
		ch <- result{msg, err}
	}()
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, leafsync.WrapKind(leafsync.TimeoutError, ctx.Err(), opName+" timed out")
		}
		return nil, leafsync.WrapKind(leafsync.TransportError, ctx.Err(), opName+" cancelled")
	}
}

// recvMsgIdle waits for the next message, aborting with TimeoutError
// if none arrives within idleTimeout. It also observes ctx
// cancellation, so the per-message idle timeout and the "cancellable
// at any suspension point" requirement share one mechanism.
func recvMsgIdle(ctx context.Context, r io.Reader, idleTimeout time.Duration) (interface{}, error) {
	idleCtx, cancel := context.WithTimeout(ctx, idleTimeout)
	defer cancel()
	msg, err := recvMsgWithContext(idleCtx, r, "waiting for message")
	if err == io.EOF {
		return nil, leafsync.KindErrorf(leafsync.TransportError, "peer closed stream")
	}
	return msg, err
}
