package updater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, status int, body string) *Checker {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "chatsync/1.2.0", r.Header.Get("User-Agent"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return &Checker{Endpoint: srv.URL, Client: srv.Client()}
}

func TestCheck_NewerRelease(t *testing.T) {
	c := serve(t, http.StatusOK, `{"tag_name":"v1.10.0","html_url":"https://example.com/r"}`)
	res, err := c.Check(context.Background(), "v1.2.0")
	require.NoError(t, err)
	require.True(t, res.UpdateAvailable)
	require.Equal(t, "1.10.0", res.Latest)
	require.Equal(t, "https://example.com/r", res.URL)
}

func TestCheck_UpToDate(t *testing.T) {
	c := serve(t, http.StatusOK, `{"tag_name":"v1.2.0"}`)
	res, err := c.Check(context.Background(), "1.2.0")
	require.NoError(t, err)
	require.False(t, res.UpdateAvailable)
}

func TestCheck_HTTPError(t *testing.T) {
	c := serve(t, http.StatusForbidden, `{"message":"rate limited"}`)
	_, err := c.Check(context.Background(), "1.2.0")
	require.Error(t, err)
}

func TestNewer(t *testing.T) {
	cases := []struct {
		current, latest string
		want            bool
	}{
		{"1.2.3", "1.2.4", true},
		{"1.2.3", "1.3", true},
		{"1.9.0", "1.10.0", true},
		{"2.0.0", "1.99.99", false},
		{"1.2.3", "1.2.3", false},
		{"1.2.3-rc1", "1.2.3", false},
		{"dev", "9.9.9", false},
		{"1.0.0", "", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, newer(tc.current, tc.latest), "%s -> %s", tc.current, tc.latest)
	}
}
