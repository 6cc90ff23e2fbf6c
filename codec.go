package txbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

type decodeFunc func(f Format, payload []byte) (Message, error)

// Registry maps type tags to decoders. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]decodeFunc
}

// NewRegistry returns a registry that already knows SessionUnlock.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]decodeFunc)}
	MustRegister[SessionUnlock](r, SessionUnlockType)
	return r
}

// Register binds tag to the concrete type T. The tag must match what T
// reports from MessageType, since Seal stamps envelopes with that value.
func Register[T Message](r *Registry, tag string) error {
	if tag == "" {
		return errors.New("txbus: type tag is required")
	}
	if own, ok := typeTag[T](); ok && own != tag {
		return fmt.Errorf("txbus: type %q reports tag %q", tag, own)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[tag]; ok {
		return fmt.Errorf("txbus: type %q already registered", tag)
	}
	r.decoders[tag] = func(f Format, payload []byte) (Message, error) {
		var v T
		if err := f.UnmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil
}

// typeTag asks the zero T for its tag. Pointer types with value receivers
// panic on a nil receiver; those are left unchecked.
func typeTag[T Message]() (tag string, ok bool) {
	defer func() {
		if recover() != nil {
			tag, ok = "", false
		}
	}()
	var zero T
	return zero.MessageType(), true
}

// MustRegister is like Register but panics on error. Use it from init code.
func MustRegister[T Message](r *Registry, tag string) {
	if err := Register[T](r, tag); err != nil {
		panic(err)
	}
}

// Registered reports whether tag has a decoder.
func (r *Registry) Registered(tag string) bool {
	_, ok := r.decoder(tag)
	return ok
}

func (r *Registry) decoder(tag string) (decodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.decoders[tag]
	return fn, ok
}

// Format is a wire format for payloads and envelope documents.
type Format interface {
	Name() string
	ContentType() string
	MarshalPayload(v any) ([]byte, error)
	UnmarshalPayload(data []byte, v any) error
	MarshalEnvelopes(envs []Envelope) ([]byte, error)
	UnmarshalEnvelopes(data []byte) ([]Envelope, error)
	MarshalEnvelope(env Envelope) ([]byte, error)
	UnmarshalEnvelope(data []byte) (Envelope, error)
}

// JSON is the default Format. Payloads are embedded as raw JSON.
type JSON struct{}

type jsonEnvelope struct {
	TypeTag   string          `json:"typeTag"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"messageId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toJSONEnvelope(env Envelope) jsonEnvelope {
	return jsonEnvelope{
		TypeTag:   env.TypeTag,
		SessionID: env.SessionID,
		Payload:   env.Payload,
		MessageID: env.MessageID,
		CreatedAt: env.CreatedAt,
	}
}

func (e jsonEnvelope) envelope() Envelope {
	return Envelope{
		MessageID: e.MessageID,
		TypeTag:   e.TypeTag,
		SessionID: e.SessionID,
		Payload:   []byte(e.Payload),
		CreatedAt: e.CreatedAt,
	}
}

func (JSON) Name() string        { return "json" }
func (JSON) ContentType() string { return "application/json" }

func (JSON) MarshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) UnmarshalPayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSON) MarshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(toJSONEnvelope(env))
}

func (JSON) UnmarshalEnvelope(data []byte) (Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return Envelope{}, err
	}
	return je.envelope(), nil
}

func (JSON) MarshalEnvelopes(envs []Envelope) ([]byte, error) {
	wire := make([]jsonEnvelope, len(envs))
	for i, env := range envs {
		wire[i] = toJSONEnvelope(env)
	}
	return json.Marshal(wire)
}

func (JSON) UnmarshalEnvelopes(data []byte) ([]Envelope, error) {
	var wire []jsonEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	envs := make([]Envelope, len(wire))
	for i, je := range wire {
		envs[i] = je.envelope()
	}
	return envs, nil
}

// MsgPack is a binary Format backed by MessagePack.
type MsgPack struct{}

type msgpackEnvelope struct {
	TypeTag   string             `msgpack:"typeTag"`
	SessionID string             `msgpack:"sessionId"`
	Payload   msgpack.RawMessage `msgpack:"payload"`
	MessageID string             `msgpack:"messageId,omitempty"`
	CreatedAt time.Time          `msgpack:"createdAt"`
}

func toMsgpackEnvelope(env Envelope) msgpackEnvelope {
	return msgpackEnvelope{
		TypeTag:   env.TypeTag,
		SessionID: env.SessionID,
		Payload:   env.Payload,
		MessageID: env.MessageID,
		CreatedAt: env.CreatedAt,
	}
}

func (e msgpackEnvelope) envelope() Envelope {
	return Envelope{
		MessageID: e.MessageID,
		TypeTag:   e.TypeTag,
		SessionID: e.SessionID,
		Payload:   []byte(e.Payload),
		CreatedAt: e.CreatedAt,
	}
}

func (MsgPack) Name() string        { return "msgpack" }
func (MsgPack) ContentType() string { return "application/msgpack" }

func (MsgPack) MarshalPayload(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgPack) UnmarshalPayload(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (MsgPack) MarshalEnvelope(env Envelope) ([]byte, error) {
	return msgpack.Marshal(toMsgpackEnvelope(env))
}

func (MsgPack) UnmarshalEnvelope(data []byte) (Envelope, error) {
	var me msgpackEnvelope
	if err := msgpack.Unmarshal(data, &me); err != nil {
		return Envelope{}, err
	}
	return me.envelope(), nil
}

func (MsgPack) MarshalEnvelopes(envs []Envelope) ([]byte, error) {
	wire := make([]msgpackEnvelope, len(envs))
	for i, env := range envs {
		wire[i] = toMsgpackEnvelope(env)
	}
	return msgpack.Marshal(wire)
}

func (MsgPack) UnmarshalEnvelopes(data []byte) ([]Envelope, error) {
	var wire []msgpackEnvelope
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	envs := make([]Envelope, len(wire))
	for i, me := range wire {
		envs[i] = me.envelope()
	}
	return envs, nil
}

var (
	_ Format = JSON{}
	_ Format = MsgPack{}
)

// Codec turns messages into envelopes and back using a Registry and a Format.
type Codec struct {
	registry *Registry
	format   Format
	now      func() time.Time
	newID    func() string
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithFormat overrides the default JSON format.
func WithFormat(f Format) CodecOption {
	return func(c *Codec) {
		if f != nil {
			c.format = f
		}
	}
}

// WithCodecNow overrides the clock used for Envelope.CreatedAt.
func WithCodecNow(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec creates a Codec over registry.
func NewCodec(registry *Registry, opts ...CodecOption) *Codec {
	if registry == nil {
		registry = NewRegistry()
	}
	c := &Codec{
		registry: registry,
		format:   JSON{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry used for decoding.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Format returns the wire format.
func (c *Codec) Format() Format {
	return c.format
}

// Seal encodes content into an envelope bound to sessionID.
func (c *Codec) Seal(content Message, sessionID string) (Envelope, error) {
	if content == nil {
		return Envelope{}, &EncodeError{Err: errors.New("content is required")}
	}
	tag := content.MessageType()
	if !c.registry.Registered(tag) {
		return Envelope{}, &EncodeError{TypeTag: tag, Err: ErrUnknownType}
	}
	payload, err := c.format.MarshalPayload(content)
	if err != nil {
		return Envelope{}, &EncodeError{TypeTag: tag, Err: err}
	}
	return Envelope{
		MessageID: c.newID(),
		TypeTag:   tag,
		SessionID: sessionID,
		Payload:   payload,
		CreatedAt: c.now().UTC(),
	}, nil
}

// Open decodes the envelope payload into its registered type.
func (c *Codec) Open(env Envelope) (Message, error) {
	decode, ok := c.registry.decoder(env.TypeTag)
	if !ok {
		return nil, &DecodeError{TypeTag: env.TypeTag, Err: ErrUnknownType}
	}
	msg, err := decode(c.format, env.Payload)
	if err != nil {
		return nil, &DecodeError{TypeTag: env.TypeTag, Err: err}
	}
	return msg, nil
}

// Marshal serializes a single envelope document.
func (c *Codec) Marshal(env Envelope) ([]byte, error) {
	data, err := c.format.MarshalEnvelope(env)
	if err != nil {
		return nil, &EncodeError{TypeTag: env.TypeTag, Err: err}
	}
	return data, nil
}

// Unmarshal parses a single envelope document without decoding the payload.
func (c *Codec) Unmarshal(data []byte) (Envelope, error) {
	env, err := c.format.UnmarshalEnvelope(data)
	if err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	if env.TypeTag == "" {
		return Envelope{}, &DecodeError{Err: errors.New("missing type tag")}
	}
	return env, nil
}

// MarshalBatch serializes envelopes as one ordered sequence.
func (c *Codec) MarshalBatch(envs []Envelope) ([]byte, error) {
	data, err := c.format.MarshalEnvelopes(envs)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return data, nil
}

// UnmarshalBatch parses a sequence written by MarshalBatch.
func (c *Codec) UnmarshalBatch(data []byte) ([]Envelope, error) {
	envs, err := c.format.UnmarshalEnvelopes(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return envs, nil
}

// Encode seals content and serializes the resulting envelope.
func (c *Codec) Encode(content Message, sessionID string) ([]byte, error) {
	env, err := c.Seal(content, sessionID)
	if err != nil {
		return nil, err
	}
	return c.Marshal(env)
}

// Decode parses and opens a document written by Encode.
func (c *Codec) Decode(data []byte) (Message, string, string, error) {
	env, err := c.Unmarshal(data)
	if err != nil {
		return nil, "", "", err
	}
	msg, err := c.Open(env)
	if err != nil {
		return nil, env.SessionID, env.TypeTag, err
	}
	return msg, env.SessionID, env.TypeTag, nil
}
