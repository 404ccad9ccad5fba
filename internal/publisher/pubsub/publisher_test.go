package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresProjectAndTopic(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "", "topic")
	require.Error(t, err)
	_, err = New(context.Background(), "project", "")
	require.Error(t, err)
}

func TestUnconfiguredPublisher(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "batch", map[string]int{"count": 1})
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, p.Close())
}
