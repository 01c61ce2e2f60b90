package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetPath(t *testing.T) {
	doc := json.RawMessage(`{"status":"waiting","players":{"p1":{"ready":false,"name":"Ayşe"}}}`)

	cases := []struct {
		name    string
		path    []string
		value   any
		want    string
		wantErr error
	}{
		{name: "top level", path: []string{"status"}, value: "playing",
			want: `{"status":"playing","players":{"p1":{"ready":false,"name":"Ayşe"}}}`},
		{name: "nested leaf", path: []string{"players", "p1", "ready"}, value: true,
			want: `{"status":"waiting","players":{"p1":{"ready":true,"name":"Ayşe"}}}`},
		{name: "new key under existing parent", path: []string{"players", "p2"}, value: map[string]any{"ready": false},
			want: `{"status":"waiting","players":{"p1":{"ready":false,"name":"Ayşe"},"p2":{"ready":false}}}`},
		{name: "missing parent", path: []string{"players", "p9", "ready"}, value: true, wantErr: ErrNotFound},
		{name: "empty path", path: nil, value: 1, wantErr: ErrInvalidPath},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := setPath(doc, tc.path, tc.value)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestParseRef(t *testing.T) {
	ref, ok := ParseRef("lobbies/abc")
	assert.True(t, ok)
	assert.Equal(t, Ref{Collection: "lobbies", ID: "abc"}, ref)
	assert.Equal(t, "lobbies/abc", ref.String())

	_, ok = ParseRef("lobbies")
	assert.False(t, ok)
}
