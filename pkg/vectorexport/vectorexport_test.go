package vectorexport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testFrames(n int) []framecat.Frame {
	frames := make([]framecat.Frame, n)
	for i := range frames {
		frames[i] = framecat.Frame{Index: i * 10, Path: fmt.Sprintf("/frames/%04d.jpg", i*10)}
	}
	return frames
}

func TestCheckInput(t *testing.T) {
	require.NoError(t, checkInput(testFrames(2), [][]float32{{1, 2}, {3, 4}}))
	require.NoError(t, checkInput(nil, nil))
	err := checkInput(testFrames(2), [][]float32{{1, 2}})
	require.True(t, errors.Is(err, ErrLengthMismatch))
	require.Error(t, checkInput(testFrames(2), [][]float32{{1, 2}, {3}}))
}

func TestSchemaSQL(t *testing.T) {
	stmts := schemaSQL(384)
	require.Len(t, stmts, 2)
	require.Contains(t, stmts[1], "vector(384)")
	require.Contains(t, stmts[1], TableName)
}

// Set FRAMESELECT_TEST_PG to a database with the pgvector extension available, to run this test
func TestExportAndSearch(t *testing.T) {
	dsn := os.Getenv("FRAMESELECT_TEST_PG")
	if dsn == "" {
		t.Skip("FRAMESELECT_TEST_PG not set")
	}
	ctx := context.Background()
	x, err := Connect(ctx, logs.NewTestingLog(t), dsn)
	require.NoError(t, err)
	defer x.Close()

	_, err = x.pool.Exec(ctx, "DROP TABLE IF EXISTS "+TableName)
	require.NoError(t, err)
	require.NoError(t, x.EnsureSchema(ctx, 3))
	require.NoError(t, x.EnsureSchema(ctx, 3))

	frames := testFrames(3)
	reps := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	run := uuid.NewString()
	require.NoError(t, x.Export(ctx, run, "/frames", frames, reps))
	// Upsert, not duplicate
	require.NoError(t, x.Export(ctx, run, "/frames", frames, reps))

	matches, err := x.Nearest(ctx, []float32{0.1, 0.9, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, frames[1].Filename(), matches[0].Filename)
	require.Equal(t, 10, matches[0].FrameIndex)
	require.LessOrEqual(t, matches[0].Distance, matches[1].Distance)
}
