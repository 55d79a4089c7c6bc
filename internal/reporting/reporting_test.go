package reporting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.PublishReview(context.Background(), &workflow.Execution{ID: "wf-1"}))
	assert.NoError(t, p.Close())
}

func TestNewPublisherWithConn_RequiresConn(t *testing.T) {
	_, err := NewPublisherWithConn(nil, "reviewd", nil)
	assert.Error(t, err)
}

func TestNewPublisher_UnreachableBroker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1" // nothing listens here
	_, err := NewPublisher(cfg, nil)
	assert.Error(t, err)
}
