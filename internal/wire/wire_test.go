package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want Kind
	}{
		{"explicit embed", Request{Type: "embed"}, KindEmbed},
		{"explicit batch_embed", Request{Type: "batch_embed"}, KindBatchEmbed},
		{"explicit stats alias", Request{Type: "stats"}, KindHealth},
		{"inferred single from text", Request{Text: "hello"}, KindEmbed},
		{"inferred batch from texts", Request{Texts: []string{"a", "b"}}, KindBatchEmbed},
		{"inferred health from stats flag", Request{Stats: true}, KindHealth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.req.Resolve()
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolve_UnknownType(t *testing.T) {
	req := Request{Type: "teleport"}
	_, err := req.Resolve()
	require.Error(t, err)
}

func TestResolve_Ambiguous(t *testing.T) {
	req := Request{}
	_, err := req.Resolve()
	require.Error(t, err)
}

func TestResolvedPriority_Defaults(t *testing.T) {
	single := Request{}
	p, err := single.ResolvedPriority(false)
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	batch := Request{}
	p, err = batch.ResolvedPriority(true)
	require.NoError(t, err)
	assert.Equal(t, PriorityLow, p)
}

func TestResolvedPriority_Invalid(t *testing.T) {
	req := Request{Priority: "urgent-ish"}
	_, err := req.ResolvedPriority(false)
	require.Error(t, err)
}

func TestParseRequest_Malformed(t *testing.T) {
	_, err := ParseRequest([]byte("{not json"))
	require.Error(t, err)
}

func TestEncode_AppendsNewline(t *testing.T) {
	b, err := Encode(ReadyResponse{Ready: true, Status: "ok"})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), b[len(b)-1])
}
