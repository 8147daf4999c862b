package sutra

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.WithShard(3).WithConcept(model.ConceptIDFromUint64(1)).Info("hello")
	out := buf.String()
	assert.Contains(t, out, "shard=3")
	assert.Contains(t, out, "concept=00000000000000000000000000000001")

	buf.Reset()
	a := &model.Association{Source: model.ConceptIDFromUint64(1), Target: model.ConceptIDFromUint64(2)}
	l.LogAssociation(context.Background(), a, 0, 1, errors.New("vote no"))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "target_shard=1")

	buf.Reset()
	l.LogSearch(context.Background(), 10, 7, nil)
	assert.Contains(t, buf.String(), "results=7")
}

func TestNoopLogger(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
	l.LogOpen(context.Background(), "dir", 1, 0, 0, nil)
}
