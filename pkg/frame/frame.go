// Package frame defines the internal message model shared by both legs of
// the proxy: typed control messages and opaque binary payloads, tagged with
// their origin and a per-direction sequence number.
package frame

import (
	"encoding/json"
	"fmt"
)

// Type distinguishes the two frame variants crossing the proxy.
type Type int

const (
	TypeControl Type = iota
	TypeBinary
)

// String returns a readable name for logging.
func (t Type) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Origin identifies which leg of the proxy produced a frame.
type Origin int

const (
	OriginClient Origin = iota
	OriginProvider
)

// String returns a readable name for logging.
func (o Origin) String() string {
	switch o {
	case OriginClient:
		return "client"
	case OriginProvider:
		return "provider"
	default:
		return "unknown"
	}
}

// Control frame kinds. These are the "type" values on the client wire.
const (
	KindStart     = "start"
	KindConfigure = "configure"
	KindFlush     = "flush"
	KindStop      = "stop"
	KindError     = "error"
	KindMetadata  = "metadata"
	KindSpeak     = "speak"
)

// Session modes negotiated by the start frame.
const (
	ModeListen = "listen" // speech-to-text: binary audio up, results down
	ModeSpeak  = "speak"  // text-to-speech: text up, binary audio down
)

// Reason explains why a session ended. Carried on the terminal control frame
// delivered to the client before the connection closes.
type Reason string

const (
	ReasonClientStop          Reason = "ClientStop"
	ReasonProviderStop        Reason = "ProviderStop"
	ReasonConfigError         Reason = "ConfigError"
	ReasonUpstreamUnavailable Reason = "UpstreamUnavailable"
	ReasonOverrun             Reason = "Overrun"
	ReasonIdle                Reason = "Idle"
	ReasonSessionClosed       Reason = "SessionClosed"
	ReasonLinkClosed          Reason = "LinkClosed"
)

// Clean reports whether the reason describes an orderly stop rather than a
// failure. Clean reasons produce a terminal "stop" frame, the rest "error".
func (r Reason) Clean() bool {
	return r == ReasonClientStop || r == ReasonProviderStop
}

// Control is the structured message variant. Which fields are populated
// depends on Kind; unknown fields are ignored on decode.
type Control struct {
	Kind       string          `json:"type"`
	Mode       string          `json:"mode,omitempty"`
	Model      string          `json:"model,omitempty"`
	Encoding   string          `json:"encoding,omitempty"`
	SampleRate int             `json:"sample_rate,omitempty"`
	Channels   int             `json:"channels,omitempty"`
	Text       string          `json:"text,omitempty"`
	Reason     Reason          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Frame is one unit of data crossing either leg of the proxy. Control holds
// the structured message for TypeControl frames; Payload holds the opaque
// bytes for TypeBinary frames. Seq is assigned by the leg that read the frame
// in, monotonically per direction, and is used only for diagnostics.
type Frame struct {
	Type    Type
	Origin  Origin
	Seq     uint64
	Control Control
	Payload []byte
}

// Binary builds a binary frame.
func Binary(origin Origin, seq uint64, payload []byte) Frame {
	return Frame{Type: TypeBinary, Origin: origin, Seq: seq, Payload: payload}
}

// Metadata builds a provider-origin metadata frame carrying raw provider JSON.
func Metadata(origin Origin, seq uint64, data json.RawMessage) Frame {
	return Frame{
		Type:    TypeControl,
		Origin:  origin,
		Seq:     seq,
		Control: Control{Kind: KindMetadata, Data: data},
	}
}

// Terminal builds the control message that ends a session: kind "stop" for
// clean reasons, kind "error" otherwise.
func Terminal(reason Reason, message string) Control {
	kind := KindError
	if reason.Clean() {
		kind = KindStop
	}
	return Control{Kind: kind, Reason: reason, Message: message}
}

// ParseControl decodes a client text message into a Control.
func ParseControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("malformed control frame: %w", err)
	}
	if c.Kind == "" {
		return Control{}, fmt.Errorf("control frame missing type field")
	}
	return c, nil
}

// Encode serializes a Control for the client wire.
func (c Control) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// KnownKind reports whether kind is one the proxy understands.
func KnownKind(kind string) bool {
	switch kind {
	case KindStart, KindConfigure, KindFlush, KindStop, KindError, KindMetadata, KindSpeak:
		return true
	default:
		return false
	}
}

// ConfigError rejects invalid or missing session startup parameters. It is
// reported to the client before any provider connection is attempted.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid session config: %s: %s", e.Field, e.Msg)
}

// StartConfig holds the stream parameters negotiated by the start frame.
type StartConfig struct {
	Mode       string
	Model      string
	Encoding   string
	SampleRate int
	Channels   int
}

// StartConfig extracts the negotiated parameters from a start control frame.
func (c Control) StartConfig() StartConfig {
	return StartConfig{
		Mode:       c.Mode,
		Model:      c.Model,
		Encoding:   c.Encoding,
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
	}
}

// ApplyDefaults fills optional parameters a client may omit.
func (sc *StartConfig) ApplyDefaults() {
	if sc.Mode == "" {
		sc.Mode = ModeListen
	}
	if sc.Mode == ModeListen && sc.Channels == 0 {
		sc.Channels = 1
	}
	if sc.Mode == ModeSpeak {
		if sc.Encoding == "" {
			sc.Encoding = "linear16"
		}
		if sc.SampleRate == 0 {
			sc.SampleRate = 24000
		}
	}
}

// Validate checks the negotiated parameters, returning a *ConfigError on the
// first violation. Callers should ApplyDefaults first.
func (sc StartConfig) Validate() error {
	if sc.Mode != ModeListen && sc.Mode != ModeSpeak {
		return &ConfigError{Field: "mode", Msg: fmt.Sprintf("must be %q or %q", ModeListen, ModeSpeak)}
	}
	if sc.Model == "" {
		return &ConfigError{Field: "model", Msg: "model selector is required"}
	}
	if sc.Mode == ModeListen {
		if sc.Encoding == "" {
			return &ConfigError{Field: "encoding", Msg: "encoding is required for listen mode"}
		}
		if sc.SampleRate <= 0 {
			return &ConfigError{Field: "sample_rate", Msg: "sample rate must be positive for listen mode"}
		}
		if sc.Channels <= 0 {
			return &ConfigError{Field: "channels", Msg: "channel count must be positive"}
		}
	}
	if sc.Mode == ModeSpeak && sc.SampleRate < 0 {
		return &ConfigError{Field: "sample_rate", Msg: "sample rate must not be negative"}
	}
	return nil
}
