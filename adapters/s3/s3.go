package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"auction/engine"
	"auction/models"
)

var (
	ErrNilClient   = errors.New("s3 client cannot be nil")
	ErrEmptyBucket = errors.New("bucket cannot be empty")
)

// PutObjectAPI 是 Archiver 需要的 S3 操作，*s3.Client 即為一種實作
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver 將標的的稽核紀錄封存到 S3
// 物件的路徑為 {prefix}lots/{lotID}/history.json
type Archiver struct {
	// Client 是 S3 客戶端。
	Client PutObjectAPI
	// Bucket 是 S3 存儲桶的名稱。
	Bucket string
	// Prefix 是物件路徑的前綴。
	Prefix string
}

func NewArchiver(client PutObjectAPI, bucket, prefix string) (*Archiver, error) {
	const op = "NewArchiver"
	if client == nil {
		return nil, fmt.Errorf("[%s] Fail to create archiver, err=%w", op, ErrNilClient)
	}
	if bucket == "" {
		return nil, fmt.Errorf("[%s] Fail to create archiver, err=%w", op, ErrEmptyBucket)
	}
	return &Archiver{Client: client, Bucket: bucket, Prefix: prefix}, nil
}

// HistoryKey 回傳標的稽核紀錄在存儲桶中的路徑
func (a *Archiver) HistoryKey(lotID uuid.UUID) string {
	return a.Prefix + path.Join("lots", lotID.String(), "history.json")
}

// ArchiveHistory 以 JSON 陣列的格式寫入完整的稽核紀錄，重複封存會覆寫同一個物件
func (a *Archiver) ArchiveHistory(ctx context.Context, lotID uuid.UUID, records []models.History) error {
	const op = "ArchiveHistory"
	if records == nil {
		records = []models.History{}
	}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("[%s] Fail to marshal history, err=%w", op, err)
	}
	_, err = a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(a.HistoryKey(lotID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to upload history to S3, err=%w", op, err)
	}
	return nil
}

var _ engine.Archiver = (*Archiver)(nil)
