package aws

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/StoneLin0708/language-model-playground/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	objects map[string][]byte
	puts    []string
	failPut error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key)
	f.objects[key] = body
	f.puts = append(f.puts, key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func writeCheckpoint(t *testing.T, dir string, step int) models.Checkpoint {
	t.Helper()
	ckpt := models.Checkpoint{
		Step:          step,
		ModelPath:     filepath.Join(dir, "model-"+strconv.Itoa(step)+".ckpt"),
		OptimizerPath: filepath.Join(dir, "optimizer-"+strconv.Itoa(step)+".ckpt"),
		SavedAt:       time.Now(),
	}
	require.NoError(t, os.WriteFile(ckpt.ModelPath, []byte("model"), 0o644))
	require.NoError(t, os.WriteFile(ckpt.OptimizerPath, []byte("optimizer"), 0o644))
	return ckpt
}

func TestCheckpointMirror_UploadsAndDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	objects := newFakeObjects()
	mirror := NewCheckpointMirror(objects, "ckpts", "experiments/shakespeare", nil)

	require.NoError(t, mirror.CheckpointSaved(ctx, writeCheckpoint(t, dir, 5)))
	require.NoError(t, mirror.CheckpointSaved(ctx, writeCheckpoint(t, dir, 10)))

	assert.Equal(t, []string{
		"ckpts/experiments/shakespeare/model-5.ckpt",
		"ckpts/experiments/shakespeare/optimizer-5.ckpt",
		"ckpts/experiments/shakespeare/model-10.ckpt",
		"ckpts/experiments/shakespeare/optimizer-10.ckpt",
	}, objects.puts)
	assert.Equal(t, []byte("optimizer"), objects.objects["ckpts/experiments/shakespeare/optimizer-5.ckpt"])

	require.NoError(t, mirror.CheckpointsPruned(ctx, dir, []string{"model-5.ckpt", "optimizer-5.ckpt"}))
	assert.Len(t, objects.objects, 2)
	assert.Contains(t, objects.objects, "ckpts/experiments/shakespeare/model-10.ckpt")
}

func TestCheckpointMirror_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		mirror := NewCheckpointMirror(newFakeObjects(), "ckpts", "", nil)
		err := mirror.UploadFile(ctx, filepath.Join(t.TempDir(), "model-1.ckpt"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("put failure", func(t *testing.T) {
		boom := errors.New("access denied")
		objects := newFakeObjects()
		objects.failPut = boom
		mirror := NewCheckpointMirror(objects, "ckpts", "", nil)

		err := mirror.CheckpointSaved(ctx, writeCheckpoint(t, t.TempDir(), 1))
		assert.ErrorIs(t, err, boom)
	})
}

func TestCheckpointMirror_Key(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "model-3.ckpt", NewCheckpointMirror(nil, "b", "", nil).Key("/data/exp/model-3.ckpt"))
	assert.Equal(t, "runs/exp/tokenizer.json", NewCheckpointMirror(nil, "b", "runs/exp", nil).Key("tokenizer.json"))
}
