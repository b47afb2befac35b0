package astrodbsdk

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astrodb/internal/db"
	"astrodb/internal/server"
	"astrodb/internal/store"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	st, err := store.Open(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "astrodb.db")}, store.Options{})
	require.NoError(t, err)
	handler, err := server.New(server.Config{Store: st})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		_ = st.Close()
	})
	c := New(ts.URL)
	c.HTTPClient = ts.Client()
	return c
}

func TestClientLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	pid, err := c.SubmitProposal(ctx, []Target{
		{TID: "ngc1976", Position: Position{A: 83.82, B: -5.39}, ExposureTime: 120},
		{TID: "ngc224", Position: Position{A: 10.68, B: 41.27}, ExposureTime: 300},
	})
	require.NoError(t, err)

	queue, err := c.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "ngc224", queue[0].Targets[1].TID)

	_, err = c.Images(ctx, pid)
	assert.True(t, IsCode(err, "not_ready"), "got %v", err)

	err = c.SetStatus(ctx, pid, StatusReady)
	assert.True(t, IsCode(err, "invalid_transition"), "got %v", err)
	require.NoError(t, c.SetStatus(ctx, pid, StatusRunning))
	require.NoError(t, c.SetStatus(ctx, pid, StatusReady))

	status, err := c.ProposalStatus(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)

	oid, err := c.StoreImage(ctx, pid, "ngc1976", Image{Data: []byte{0x00, 0xff, 0x10}, Metadata: map[string]any{"remarks": "seeing 1.2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), oid)

	images, err := c.Images(ctx, pid)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, images[0].Data)
	assert.Equal(t, "seeing 1.2", images[0].Metadata["remarks"])

	page, err := c.Events(ctx, pid, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 4)

	require.NoError(t, c.RemoveProposal(ctx, pid))
	code, err := c.ProposalStatusCode(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, StatusNoSuchProposal, code)

	err = c.RemoveProposal(ctx, pid)
	assert.True(t, IsCode(err, "not_found"), "got %v", err)
}

func TestClientProposalsPaging(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	for i := 0; i < 3; i++ {
		_, err := c.SubmitProposal(ctx, nil)
		require.NoError(t, err)
	}
	page, err := c.Proposals(ctx, "", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	page, err = c.Proposals(ctx, StatusQueued, 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(3), page.Items[0].PID)
	assert.Empty(t, page.NextCursor)

	p, err := c.Proposal(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, p.Targets)
	assert.Equal(t, 0, p.StatusCode)
}
