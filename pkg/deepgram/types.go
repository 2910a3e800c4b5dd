package deepgram

import "errors"

// LinkState tracks the lifecycle of the provider connection.
type LinkState int32

const (
	StateConnecting LinkState = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns a readable name for logging.
func (s LinkState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrUpstreamUnavailable wraps provider handshake and transport failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrLinkClosed rejects operations attempted after the link terminated.
	ErrLinkClosed = errors.New("upstream link closed")
	// ErrOverrun reports an outbound or inbound queue stalled past its limit.
	ErrOverrun = errors.New("queue overrun")
	// ErrIdle reports no provider traffic within the idle timeout.
	ErrIdle = errors.New("upstream idle timeout")
	// ErrProviderClosed reports an orderly end of stream from the provider.
	ErrProviderClosed = errors.New("provider closed the stream")
	// ErrUnsupportedFrame rejects frames the session mode cannot carry upstream.
	ErrUnsupportedFrame = errors.New("frame not supported in this mode")
)

// controlMessage is the provider's JSON control framing. The Type values
// differ per endpoint: listen accepts KeepAlive, Finalize and CloseStream;
// speak accepts Speak, Flush, Clear and Close.
type controlMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Provider control message types.
const (
	msgKeepAlive   = "KeepAlive"
	msgFinalize    = "Finalize"
	msgCloseStream = "CloseStream"
	msgSpeak       = "Speak"
	msgFlush       = "Flush"
	msgClose       = "Close"
)
