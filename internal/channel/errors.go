package channel

import "errors"

var (
	// ErrConnectionFailed is returned by Connect when the transport or its
	// subscription could not be established. The channel state is unchanged.
	ErrConnectionFailed = errors.New("channel: connection failed")

	// ErrSendFailed is returned when the transport rejects an outbound frame.
	ErrSendFailed = errors.New("channel: send failed")

	// ErrNoSession is returned by SendTo for a peer with no established
	// session. Unicast sends never create sessions opportunistically.
	ErrNoSession = errors.New("channel: no session for peer")

	// ErrClosed is returned by Recv and Send after the channel has closed.
	ErrClosed = errors.New("channel: closed")
)
