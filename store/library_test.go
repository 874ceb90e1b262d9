package store

import (
	"testing"
	"time"

	"github.com/robertmeta/feedkit/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Subscriptions(t *testing.T) {
	s, _ := newTestStore(t)

	subs := []model.Subscription{
		{URL: "https://b.com/rss", Since: epoch, Title: "B"},
		{URL: "https://a.com/rss", Since: epoch.Add(-time.Hour), ITunes: &model.ITunesItem{ITunesID: 3}},
	}
	require.NoError(t, s.AddSubscriptions(subs))

	got, err := s.Subscribed()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "https://a.com/rss", got[0].URL)
	require.NotNil(t, got[0].ITunes)
	assert.Equal(t, int64(3), got[0].ITunes.ITunesID)
	assert.Equal(t, "B", got[1].Title)
	assert.True(t, got[1].Since.Equal(epoch))

	// Replacing moves since forward.
	require.NoError(t, s.AddSubscriptions([]model.Subscription{{URL: "https://a.com/rss", Since: epoch}}))
	got, err = s.Subscribed()
	require.NoError(t, err)
	assert.True(t, got[0].Since.Equal(epoch))

	require.NoError(t, s.RemoveSubscriptions([]string{"https://a.com/rss"}))
	got, err = s.Subscribed()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://b.com/rss", got[0].URL)
}

func queued(guid string, at time.Time, origin model.Origin) model.Queued {
	return model.Queued{
		Locator:  model.EntryLocator{URL: "https://a.com/rss", GUID: guid, Since: at},
		Enqueued: at,
		Origin:   origin,
	}
}

func TestStore_Queue(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.AddQueued([]model.Queued{
		queued("one", epoch, model.Pinned),
		queued("two", epoch, model.Temporary),
	}))

	items, err := s.Queued()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "two", items[0].Locator.GUID, "the last added is on top")
	assert.Equal(t, model.Temporary, items[0].Origin)
	assert.Equal(t, "one", items[1].Locator.GUID)

	ok, err := s.IsQueued("one")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RemoveQueued([]string{"one"}))

	ok, err = s.IsQueued("one")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.IsPrevious("one")
	require.NoError(t, err)
	assert.True(t, ok, "dequeued entries stay previous")

	ok, err = s.IsPrevious("never")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_QueueRequiresGUID(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.AddQueued([]model.Queued{{Locator: model.EntryLocator{URL: "https://a.com/rss"}}})
	var invalid *model.InvalidError
	assert.ErrorAs(t, err, &invalid)
}

func TestStore_Trim(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.AddQueued([]model.Queued{
		queued("pinned-old", epoch.Add(-3*time.Hour), model.Pinned),
		queued("temp-old", epoch.Add(-2*time.Hour), model.Temporary),
		queued("temp-mid", epoch.Add(-time.Hour), model.Temporary),
		queued("temp-new", epoch, model.Temporary),
	}))

	require.NoError(t, s.Trim(2))

	items, err := s.Queued()
	require.NoError(t, err)
	var guids []string
	for _, q := range items {
		guids = append(guids, q.Locator.GUID)
	}
	assert.Equal(t, []string{"temp-new", "temp-mid", "pinned-old"}, guids)
}
