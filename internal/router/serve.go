package router

import (
	"context"
	"io"
	"sync"

	"rssmcp/internal/protocol"
)

// Serve runs one protocol session over in/out until in is exhausted or ctx is
// done. Tool and resource calls run on their own goroutines, so a slow
// handler never stalls the stream; everything else is answered inline and in
// order. Serve waits for in-flight calls before returning.
func (rt *Router) Serve(ctx context.Context, in io.Reader, out io.Writer, opts ...protocol.SessionOption) error {
	var wg sync.WaitGroup
	var sess *protocol.Session
	sess = protocol.NewSession(out, func(req protocol.Request) {
		switch req.Type {
		case protocol.TypeTool, protocol.TypeResource:
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess.Send(rt.Dispatch(ctx, req))
			}()
		default:
			sess.Send(rt.Dispatch(ctx, req))
		}
	}, opts...)

	rt.logger.Info().Str("session", sess.ID()).Msg("session started")
	err := sess.Serve(ctx, in)
	wg.Wait()
	rt.logger.Info().Str("session", sess.ID()).Msg("session ended")
	return err
}
