package gcs

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b", Prefix: "/shelfbox/"})
	require.NoError(t, err)
	require.Equal(t, "shelfbox/pages/b1/h.html", store.objectName("/pages/b1/h.html"))

	bare, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Equal(t, "blobs/b1/h", bare.objectName("blobs/b1/h"))
}

func TestAlreadyExists(t *testing.T) {
	t.Parallel()

	require.True(t, alreadyExists(fmt.Errorf("close: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})))
	require.False(t, alreadyExists(&googleapi.Error{Code: http.StatusForbidden}))
	require.False(t, alreadyExists(fmt.Errorf("boom")))
}
