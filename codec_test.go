package txbus_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mickamy/txbus"
)

type ping struct {
	N    int    `json:"n" msgpack:"n"`
	Note string `json:"note,omitempty" msgpack:"note,omitempty"`
}

func (ping) MessageType() string { return "test.ping" }

type unregistered struct{}

func (unregistered) MessageType() string { return "test.unregistered" }

func newCodec(t *testing.T, opts ...txbus.CodecOption) *txbus.Codec {
	t.Helper()
	reg := txbus.NewRegistry()
	txbus.MustRegister[ping](reg, "test.ping")
	return txbus.NewCodec(reg, opts...)
}

func TestCodecSealOpen(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, format := range []txbus.Format{txbus.JSON{}, txbus.MsgPack{}} {
		t.Run(format.Name(), func(t *testing.T) {
			t.Parallel()
			codec := newCodec(t, txbus.WithFormat(format), txbus.WithCodecNow(func() time.Time { return fixed }))

			env, err := codec.Seal(ping{N: 7, Note: "hi"}, "acct-1")
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			if env.MessageID == "" {
				t.Fatal("Seal did not assign a message id")
			}
			if env.TypeTag != "test.ping" || env.SessionID != "acct-1" || !env.CreatedAt.Equal(fixed) {
				t.Fatalf("envelope = %+v", env)
			}

			data, err := codec.Marshal(env)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			back, err := codec.Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if diff := cmp.Diff(env, back); diff != "" {
				t.Fatalf("envelope mismatch (-want +got):\n%s", diff)
			}
			msg, err := codec.Open(back)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if diff := cmp.Diff(ping{N: 7, Note: "hi"}, msg); diff != "" {
				t.Fatalf("message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodecSealUnregisteredType(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	_, err := codec.Seal(unregistered{}, "")
	var encErr *txbus.EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("Seal error = %v, want EncodeError", err)
	}
	if encErr.TypeTag != "test.unregistered" || !errors.Is(err, txbus.ErrUnknownType) {
		t.Fatalf("EncodeError = %+v", encErr)
	}
	if !txbus.IsPermanent(err) {
		t.Fatal("encode errors must be permanent")
	}
	if _, err := codec.Seal(nil, ""); err == nil {
		t.Fatal("Seal(nil) succeeded")
	}
}

func TestCodecOpenUnknownType(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	_, err := codec.Open(txbus.Envelope{TypeTag: "test.gone", Payload: []byte(`{}`)})
	var decErr *txbus.DecodeError
	if !errors.As(err, &decErr) || decErr.TypeTag != "test.gone" {
		t.Fatalf("Open error = %v, want DecodeError for test.gone", err)
	}
	if !errors.Is(err, txbus.ErrUnknownType) {
		t.Fatalf("Open error = %v, want ErrUnknownType", err)
	}

	_, err = codec.Open(txbus.Envelope{TypeTag: "test.ping", Payload: []byte(`{"n":"seven"}`)})
	if !errors.As(err, &decErr) {
		t.Fatalf("Open of bad payload error = %v, want DecodeError", err)
	}
}

func TestCodecDecodeRejectsMalformedDocuments(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "garbage"},
		{name: "missing type tag", data: `{"sessionId":"A","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, _, err := codec.Decode([]byte(tt.data))
			var decErr *txbus.DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("Decode error = %v, want DecodeError", err)
			}
			if !txbus.IsPermanent(err) {
				t.Fatal("decode errors must be permanent")
			}
		})
	}
}

func TestCodecEncodeDecode(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	data, err := codec.Encode(ping{N: 3}, "acct-9")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, session, tag, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if session != "acct-9" || tag != "test.ping" {
		t.Fatalf("Decode session=%q tag=%q", session, tag)
	}
	if msg.(ping).N != 3 {
		t.Fatalf("Decode message = %+v", msg)
	}
}

func TestCodecBatchKeepsOrder(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	var envs []txbus.Envelope
	for i := range 3 {
		env, err := codec.Seal(ping{N: i}, "A")
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		envs = append(envs, env)
	}
	data, err := codec.MarshalBatch(envs)
	if err != nil {
		t.Fatalf("MarshalBatch: %v", err)
	}

	var wire []map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("batch is not a JSON array: %v", err)
	}
	for _, field := range []string{"typeTag", "sessionId", "payload"} {
		if _, ok := wire[0][field]; !ok {
			t.Fatalf("batch entry is missing %q: %s", field, data)
		}
	}

	back, err := codec.UnmarshalBatch(data)
	if err != nil {
		t.Fatalf("UnmarshalBatch: %v", err)
	}
	if diff := cmp.Diff(envs, back); diff != "" {
		t.Fatalf("batch mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := txbus.NewRegistry()
	if !reg.Registered(txbus.SessionUnlockType) {
		t.Fatal("SessionUnlock is not registered by default")
	}
	if err := txbus.Register[ping](reg, "test.ping"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := txbus.Register[ping](reg, "test.ping"); err == nil {
		t.Fatal("duplicate Register succeeded")
	}
	if err := txbus.Register[ping](reg, ""); err == nil {
		t.Fatal("Register with empty tag succeeded")
	}
}

func TestRegistryRejectsMismatchedTag(t *testing.T) {
	t.Parallel()
	reg := txbus.NewRegistry()
	if err := txbus.Register[ping](reg, "test.unregistered"); err == nil {
		t.Fatal("Register under another type's tag succeeded")
	}
	if reg.Registered("test.unregistered") {
		t.Fatal("mismatched tag was bound")
	}

	// A mismatch must not make Seal and Open disagree about the type.
	if err := txbus.Register[unregistered](reg, "test.unregistered"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	codec := txbus.NewCodec(reg)
	env, err := codec.Seal(unregistered{}, "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	msg, err := codec.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := msg.(unregistered); !ok {
		t.Fatalf("Open returned %T, want unregistered", msg)
	}
}
