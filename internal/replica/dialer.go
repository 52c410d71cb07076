package replica

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/relay"
)

// Dialer opens a frame connection to the room of a document.
// transport.WebSocketDialer connects over the network; PipeDialer connects to
// a relay in the same process.
type Dialer interface {
	Dial(ctx context.Context, documentID string) (protocol.Conn, error)
}

// PipeDialer serves each dialed connection on Relay through an in-process pipe.
type PipeDialer struct {
	Relay  *relay.Relay
	Buffer int
	// Context bounds the served connections; defaults to context.Background.
	Context context.Context
}

func (d PipeDialer) Dial(ctx context.Context, _ string) (protocol.Conn, error) {
	if d.Relay == nil {
		return nil, errors.New("replica: pipe dialer has no relay")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	serveCtx := d.Context
	if serveCtx == nil {
		serveCtx = context.Background()
	}
	client, server := protocol.NewPipe(d.Buffer)
	go func() {
		_ = d.Relay.Serve(serveCtx, server)
	}()
	return client, nil
}
