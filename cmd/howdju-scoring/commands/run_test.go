package commands

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

func TestLogRunFailure(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
		msg   string
	}{
		{
			name:  "transient",
			err:   scoring.NewStorageError("increment score", &pgconn.PgError{Code: "40P01"}),
			level: "level=WARN",
			msg:   "再試行",
		},
		{
			name:  "storage",
			err:   scoring.NewStorageError("read votes", errors.New("connection reset")),
			level: "level=ERROR",
			msg:   "チェックポイントは進んでいません",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logRunFailure(slog.New(slog.NewTextHandler(&buf, nil)), tt.err)
			assert.Contains(t, buf.String(), tt.level)
			assert.Contains(t, buf.String(), tt.msg)
		})
	}

	t.Run("other", func(t *testing.T) {
		var buf bytes.Buffer
		logRunFailure(slog.New(slog.NewTextHandler(&buf, nil)), scoring.ErrRunTimeout)
		assert.Empty(t, buf.String())
	})
}
