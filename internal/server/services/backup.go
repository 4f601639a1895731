package services

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/dbx"
	sc "github.com/dmitrijs2005/expanse/internal/server/config"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/repomanager"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// BackupPrefix is the key prefix of every backup artifact.
const BackupPrefix = "backups/"

// BackupLatest asks Restore for the newest artifact.
const BackupLatest = "latest"

// objectStore is the subset of the S3 API used by backups.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) objectStore {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Backup is the serialized snapshot of the store.
type Backup struct {
	CreatedEpoch int64              `msgpack:"created_epoch"`
	Identities   []*models.Identity `msgpack:"identities"`
	Items        []*models.Item     `msgpack:"items"`
}

// BackupService uploads store snapshots to S3 and restores them.
type BackupService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
}

// NewBackupService builds the backup service. The S3 client is created per
// run from cfg.
func NewBackupService(db *sql.DB, m repomanager.RepositoryManager, cfg *sc.Config) *BackupService {
	return &BackupService{
		db:          db,
		repomanager: m,
		config:      cfg,
	}
}

// BackupKey names an artifact so that lexical order is chronological.
func BackupKey(t time.Time) string {
	return fmt.Sprintf("%s%s-%s.msgpack.gz", BackupPrefix, t.UTC().Format("20060102T150405Z"), uuid.New())
}

func (s *BackupService) getClient(ctx context.Context) (objectStore, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
		o.UsePathStyle = true
	}), nil
}

// snapshot reads identities and items in one consistent transaction.
func (s *BackupService) snapshot(ctx context.Context) (*Backup, error) {
	b := &Backup{CreatedEpoch: common.NowEpoch()}
	err := dbx.WithSnapshot(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		if b.Identities, err = s.repomanager.Identities(tx).ListAll(ctx); err != nil {
			return err
		}
		b.Items, err = s.repomanager.Items(tx).ListAll(ctx)
		return err
	})
	if err != nil {
		return nil, storageError("backup snapshot", err)
	}
	return b, nil
}

// Encode writes b as gzip-compressed msgpack.
func (b *Backup) Encode() ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := msgpack.NewEncoder(zw).Encode(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeBackup is the inverse of Backup.Encode.
func decodeBackup(data []byte) (*Backup, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	b := &Backup{}
	if err := msgpack.NewDecoder(zr).Decode(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Run uploads a fresh backup and rotates old ones. It returns the key of
// the new artifact.
func (s *BackupService) Run(ctx context.Context) (string, error) {
	b, err := s.snapshot(ctx)
	if err != nil {
		return "", err
	}
	data, err := b.Encode()
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}

	client, err := s.getClient(ctx)
	if err != nil {
		return "", err
	}

	bucket := s.config.S3Bucket
	key := BackupKey(time.Unix(b.CreatedEpoch, 0))
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          &bucket,
		Key:             &key,
		Body:            bytes.NewReader(data),
		ContentType:     aws.String("application/msgpack"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("upload backup: %w", err)
	}

	if err := s.rotate(ctx, client); err != nil {
		return key, fmt.Errorf("rotate backups: %w", err)
	}
	return key, nil
}

// listKeys returns the keys of every backup artifact, oldest first.
func (s *BackupService) listKeys(ctx context.Context, client objectStore) ([]string, error) {
	bucket := s.config.S3Bucket
	var keys []string
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &bucket,
			Prefix:            aws.String(BackupPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// rotate deletes all but the newest BackupRetain artifacts.
func (s *BackupService) rotate(ctx context.Context, client objectStore) error {
	if s.config.BackupRetain <= 0 {
		return nil
	}

	keys, err := s.listKeys(ctx, client)
	if err != nil {
		return err
	}
	if len(keys) <= s.config.BackupRetain {
		return nil
	}

	bucket := s.config.S3Bucket
	for _, key := range keys[:len(keys)-s.config.BackupRetain] {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: aws.String(key)}); err != nil {
			return err
		}
	}
	return nil
}

// Restore loads the artifact at key, or the newest one for BackupLatest,
// into the store in one transaction. Rows present in the artifact take its
// values; rows missing from it are left alone.
func (s *BackupService) Restore(ctx context.Context, key string) (*Backup, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	if key == BackupLatest {
		keys, err := s.listKeys(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("no backup to restore: %w", common.ErrorNotFound)
		}
		key = keys[len(keys)-1]
	}

	bucket := s.config.S3Bucket
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("download backup %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("download backup %s: %w", key, err)
	}
	b, err := decodeBackup(data)
	if err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", key, err)
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		ids := s.repomanager.Identities(tx)
		for _, identity := range b.Identities {
			if err := ids.Upsert(ctx, identity); err != nil {
				return err
			}
			if err := ids.Update(ctx, identity.Username, models.IdentityUpdate{
				LastUpdatedEpoch: &identity.LastUpdatedEpoch,
				LastActiveEpoch:  &identity.LastActiveEpoch,
			}); err != nil {
				return err
			}
			if identity.Purged {
				if err := ids.MarkPurged(ctx, identity.Username); err != nil {
					return err
				}
			}
		}
		its := s.repomanager.Items(tx)
		for _, item := range b.Items {
			if err := its.Upsert(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageError("restore backup", err)
	}
	return b, nil
}
