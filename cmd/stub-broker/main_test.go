package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/relay/internal/credential"
)

func TestStubBrokerServesHTTPSource(t *testing.T) {
	b := newBroker(brokerFile{
		Token: "tok",
		Pools: map[string][]credentialDoc{
			"transactional": {
				{Identity: "a@mail.example.com", Secret: "pa", Endpoint: "smtp.example.com", Port: 587},
				{Identity: "b@mail.example.com", Secret: "pb", Endpoint: "smtp.example.com", Port: 587},
			},
		},
	})
	srv := httptest.NewServer(b.routes())
	defer srv.Close()

	src := credential.NewHTTPSource("broker", srv.URL+"/credentials/transactional", "tok", nil)
	first, err := src.Fetch(context.Background())
	require.NoError(t, err)
	second, err := src.Fetch(context.Background())
	require.NoError(t, err)
	third, err := src.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "a@mail.example.com", first.Identity)
	assert.Equal(t, "b@mail.example.com", second.Identity)
	assert.Equal(t, "a@mail.example.com", third.Identity)
}

func TestStubBrokerRejects(t *testing.T) {
	b := newBroker(brokerFile{Token: "tok", Pools: map[string][]credentialDoc{"p": {{Identity: "x", Endpoint: "h"}}}})
	srv := httptest.NewServer(b.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/credentials/p")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/credentials/missing", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
