package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type siteEvent struct {
	SiteID string `json:"site_id"`
	Status string `json:"status"`
}

func TestPublisherKeepsPerTopicOffsets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pub := New()
	id, err := pub.Publish(ctx, "site-events", siteEvent{SiteID: "s1", Status: "ACTIVE"})
	require.NoError(t, err)
	require.Equal(t, "site-events/0", id)
	id, err = pub.Publish(ctx, "page-events", map[string]string{"url": "http://a/"})
	require.NoError(t, err)
	require.Equal(t, "page-events/0", id)
	id, err = pub.Publish(ctx, "site-events", siteEvent{SiteID: "s1", Status: "FINISHED"})
	require.NoError(t, err)
	require.Equal(t, "site-events/1", id)

	require.Len(t, pub.Topic("site-events"), 2)
	require.Empty(t, pub.Topic("worker-events"))

	var got siteEvent
	require.NoError(t, pub.Decode("site-events", 1, &got))
	require.Equal(t, siteEvent{SiteID: "s1", Status: "FINISHED"}, got)
	require.ErrorContains(t, pub.Decode("site-events", 2, &got), "no message at offset 2")

	msgs := pub.Topic("site-events")
	msgs[0] = nil
	require.NotNil(t, pub.Topic("site-events")[0], "Topic returns a copy")
}

func TestPublisherRejects(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "encode t payload")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, "t", 1)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, pub.Close())
	_, err = pub.Publish(context.Background(), "t", 1)
	require.ErrorIs(t, err, ErrClosed)
}
