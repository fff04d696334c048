package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const envelopeVersion = 1

// envelope is the persisted shape of a ConversationState. Stores shared by
// several process versions depend on it staying stable; bump V on any
// incompatible change.
type envelope struct {
	V       int           `json:"v" cbor:"v"`
	Mode    Mode          `json:"mode" cbor:"mode"`
	History []ChatMessage `json:"history,omitempty" cbor:"history,omitempty"`
	Log     []Observation `json:"log,omitempty" cbor:"log,omitempty"`
}

// Codec converts ConversationState to bytes and back.
type Codec interface {
	Name() string
	Encode(s ConversationState) ([]byte, error)
	Decode(data []byte) (ConversationState, error)
}

func toEnvelope(s ConversationState) (envelope, error) {
	switch v := s.(type) {
	case Active:
		return envelope{V: envelopeVersion, Mode: ModeActive, History: v.History, Log: v.Log}, nil
	case Suspended:
		return envelope{V: envelopeVersion, Mode: ModeSuspended}, nil
	default:
		return envelope{}, fmt.Errorf("unsupported state type %T", s)
	}
}

func fromEnvelope(env envelope) (ConversationState, error) {
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("unsupported state version %d", env.V)
	}
	switch env.Mode {
	case ModeActive:
		out := Active{}
		if len(env.History) > 0 {
			out.History = History(env.History)
		}
		if len(env.Log) > 0 {
			out.Log = ObservationLog(env.Log)
		}
		return out, nil
	case ModeSuspended:
		if len(env.History) > 0 || len(env.Log) > 0 {
			return nil, fmt.Errorf("suspended state carries %d messages and %d observations", len(env.History), len(env.Log))
		}
		return Suspended{}, nil
	default:
		return nil, fmt.Errorf("unknown state mode %q", env.Mode)
	}
}

// JSONCodec is human-inspectable; used by the file-backed stores.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(s ConversationState) ([]byte, error) {
	env, err := toEnvelope(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (ConversationState, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode json state: %w", err)
	}
	return fromEnvelope(env)
}

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("state: CBOR encoder initialization failed: " + err.Error())
	}
}

// CBORCodec uses core deterministic encoding: equal states produce equal
// bytes. It is the default for the shared redis store.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Encode(s ConversationState) ([]byte, error) {
	env, err := toEnvelope(s)
	if err != nil {
		return nil, err
	}
	return cborEnc.Marshal(env)
}

func (CBORCodec) Decode(data []byte) (ConversationState, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode cbor state: %w", err)
	}
	return fromEnvelope(env)
}

// CodecByName resolves state.codec. An empty name yields fallback.
func CodecByName(name string, fallback Codec) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return fallback, nil
	case "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown state codec %q", name)
	}
}
