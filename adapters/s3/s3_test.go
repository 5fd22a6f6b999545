package s3_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalS3 "auction/adapters/s3"
	"auction/models"
)

type fakeClient struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (c *fakeClient) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	c.inputs = append(c.inputs, params)
	c.bodies = append(c.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestNewArchiver(t *testing.T) {
	_, err := internalS3.NewArchiver(nil, "bucket", "")
	assert.ErrorIs(t, err, internalS3.ErrNilClient)

	_, err = internalS3.NewArchiver(&fakeClient{}, "", "")
	assert.ErrorIs(t, err, internalS3.ErrEmptyBucket)
}

func TestArchiver_ArchiveHistory(t *testing.T) {
	lotID := uuid.MustParse("6b1f4ad2-4e0e-4c55-9d2a-3c0c1b7f9a10")
	userID := uuid.New()
	at := time.Date(2024, 3, 19, 14, 0, 0, 0, time.UTC)
	records := []models.History{
		{ID: uuid.New(), LotID: lotID, Seq: 1, Action: models.ActionCreated, UserID: userID, Rule: lo.ToPtr("highest_bid"), CreatedAt: at},
		{ID: uuid.New(), LotID: lotID, Seq: 2, Action: models.ActionBooked, UserID: userID, RulePrice: lo.ToPtr(int64(250)), CreatedAt: at.Add(time.Minute)},
	}

	t.Run("uploads json to lot key", func(t *testing.T) {
		client := &fakeClient{}
		archiver, err := internalS3.NewArchiver(client, "archive", "prod/")
		require.NoError(t, err)

		require.NoError(t, archiver.ArchiveHistory(context.Background(), lotID, records))
		require.Len(t, client.inputs, 1)
		input := client.inputs[0]
		assert.Equal(t, "archive", aws.ToString(input.Bucket))
		assert.Equal(t, "prod/lots/6b1f4ad2-4e0e-4c55-9d2a-3c0c1b7f9a10/history.json", aws.ToString(input.Key))
		assert.Equal(t, "application/json", aws.ToString(input.ContentType))

		var archived []models.History
		require.NoError(t, json.Unmarshal(client.bodies[0], &archived))
		require.Len(t, archived, 2)
		assert.Equal(t, models.ActionBooked, archived[1].Action)
		assert.Equal(t, int64(250), *archived[1].RulePrice)
	})

	t.Run("empty history is an empty array", func(t *testing.T) {
		client := &fakeClient{}
		archiver, err := internalS3.NewArchiver(client, "archive", "")
		require.NoError(t, err)

		require.NoError(t, archiver.ArchiveHistory(context.Background(), lotID, nil))
		assert.Equal(t, "[]", string(client.bodies[0]))
		assert.Equal(t, "lots/"+lotID.String()+"/history.json", archiver.HistoryKey(lotID))
	})

	t.Run("upload error", func(t *testing.T) {
		client := &fakeClient{err: errors.New("bucket unavailable")}
		archiver, err := internalS3.NewArchiver(client, "archive", "")
		require.NoError(t, err)

		err = archiver.ArchiveHistory(context.Background(), lotID, records)
		assert.ErrorContains(t, err, "bucket unavailable")
	})
}
