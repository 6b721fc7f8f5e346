package schemas_test

import (
	"encoding/json"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

func TestContextID_Valid(t *testing.T) {
	t.Parallel()
	for _, c := range []schemas.ContextID{
		schemas.ContextBackground, schemas.ContextContent, schemas.ContextWeb, schemas.ContextPopup,
	} {
		assert.True(t, c.Valid(), c.String())
	}
	assert.False(t, schemas.ContextID("devtools").Valid())
	assert.True(t, schemas.ContextContent.TabScoped())
	assert.True(t, schemas.ContextWeb.TabScoped())
	assert.False(t, schemas.ContextPopup.TabScoped())
}

func TestEnvelope_WireShape(t *testing.T) {
	t.Parallel()
	env := &schemas.Envelope{
		Src:     schemas.ContextContent,
		Dst:     schemas.ContextBackground,
		Type:    "ping",
		Msg:     json.RawMessage(`{"n":1}`),
		Ack:     schemas.ID(7),
		FromTab: schemas.ID(3),
	}

	data, err := schemas.EncodeEnvelope(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"src":"content","dst":"background","type":"ping","msg":{"n":1},"ack":7,"ftab":3}`, string(data))

	decoded, err := schemas.DecodeEnvelope(data)
	require.NoError(t, err)
	if diff := cmp.Diff(env, decoded); diff != "" {
		t.Errorf("decoded envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvelope_FireAndForgetOmitsAck(t *testing.T) {
	t.Parallel()
	data, err := schemas.EncodeEnvelope(&schemas.Envelope{
		Src: schemas.ContextPopup, Dst: schemas.ContextBackground, Type: "trace",
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"ack"`)
	assert.NotContains(t, string(data), `"ttab"`)
}

func TestEnvelope_AckHelpers(t *testing.T) {
	t.Parallel()
	req := &schemas.Envelope{Type: "click", Ack: schemas.ID(1)}
	assert.True(t, req.WantsAck())
	assert.False(t, req.IsAck())

	ack := &schemas.Envelope{Type: schemas.TypeAck, Ack: schemas.ID(1)}
	assert.True(t, ack.IsAck())
	assert.False(t, ack.WantsAck(), "an ack is never acknowledged")

	fire := &schemas.Envelope{Type: "trace"}
	assert.False(t, fire.WantsAck())
}

func TestEnvelope_CloneIsDeep(t *testing.T) {
	t.Parallel()
	env := &schemas.Envelope{Type: "x", Msg: json.RawMessage(`{}`), ToTab: schemas.ID(4)}
	c := env.Clone()
	*c.ToTab = 9
	c.Msg[0] = '['
	assert.Equal(t, int64(4), *env.ToTab)
	assert.Equal(t, "{}", string(env.Msg))
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		data string
	}{
		{"not json", `{src:`},
		{"unknown source", `{"src":"devtools","dst":"background","type":"x"}`},
		{"unknown destination", `{"src":"content","dst":"","type":"x"}`},
		{"missing type", `{"src":"content","dst":"background"}`},
		{"ack without id", `{"src":"content","dst":"background","type":"ack"}`},
	}
	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := schemas.DecodeEnvelope([]byte(tt.data))
			assert.ErrorIs(t, err, schemas.ErrMalformedEnvelope)
		})
	}
}

func TestPayloadHelpers(t *testing.T) {
	t.Parallel()

	raw, err := schemas.MarshalPayload(schemas.ClickRequest{X: 12.5, Y: 40})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":12.5,"y":40}`, string(raw))

	var click schemas.ClickRequest
	require.NoError(t, schemas.UnmarshalPayload(raw, &click))
	assert.Equal(t, 12.5, click.X)

	nilRaw, err := schemas.MarshalPayload(nil)
	require.NoError(t, err)
	assert.Nil(t, nilRaw)

	passthrough := json.RawMessage(`[1,2]`)
	same, err := schemas.MarshalPayload(passthrough)
	require.NoError(t, err)
	assert.Equal(t, passthrough, same)

	untouched := schemas.PressRequest{Key: "a"}
	require.NoError(t, schemas.UnmarshalPayload(json.RawMessage("null"), &untouched))
	assert.Equal(t, "a", untouched.Key)

	assert.Error(t, schemas.UnmarshalPayload(json.RawMessage(`"str"`), &untouched))
}

func TestRect_Edges(t *testing.T) {
	t.Parallel()
	r := schemas.Rect{Left: 10, Top: 10, Width: 100, Height: 40}
	assert.Equal(t, 110.0, r.Right())
	assert.Equal(t, 50.0, r.Bottom())
}

// FuzzDecodeEnvelope feeds structured and raw input through the decoder; it must never panic
// and anything it accepts must survive a re-encode.
func FuzzDecodeEnvelope(f *testing.F) {
	f.Add([]byte(`{"src":"content","dst":"background","type":"ping","ack":1}`))
	f.Add([]byte(`{"src":"background","dst":"content","type":"ack","ack":1,"msg":{"result":true}}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var env schemas.Envelope
		consumer := fuzz.NewConsumer(data)
		if err := consumer.GenerateStruct(&env); err == nil {
			env.Msg = nil
			if encoded, err := schemas.EncodeEnvelope(&env); err == nil {
				_, _ = schemas.DecodeEnvelope(encoded)
			}
		}

		decoded, err := schemas.DecodeEnvelope(data)
		if err != nil {
			return
		}
		again, err := schemas.EncodeEnvelope(decoded)
		require.NoError(t, err)
		_, err = schemas.DecodeEnvelope(again)
		require.NoError(t, err)
	})
}
