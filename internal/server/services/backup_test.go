package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/expanse/internal/common"
	sc "github.com/dmitrijs2005/expanse/internal/server/config"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putErr   error
	pageSize int
}

func (f *fakeObjectStore) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[*in.Key] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectStore) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjectStore) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := len(keys)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeObjectStore) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, *in.Key)
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func stubS3(t *testing.T, store *fakeObjectStore) {
	t.Helper()
	origLoad := loadDefaultAWSConfig
	origNew := newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			if err := fn(&lo); err != nil {
				t.Fatalf("load options fn error: %v", err)
			}
		}
		if lo.Region != "us-east-1" {
			t.Fatalf("region not applied: %q", lo.Region)
		}
		return aws.Config{}, nil
	}
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) objectStore {
		var opts s3.Options
		for _, fn := range optFns {
			fn(&opts)
		}
		if aws.ToString(opts.BaseEndpoint) != "http://127.0.0.1:9000" || !opts.UsePathStyle {
			t.Fatalf("s3 options not applied: %+v", opts)
		}
		return store
	}
}

func backupConfig(retain int) *sc.Config {
	return &sc.Config{
		S3Region:       "us-east-1",
		S3RootUser:     "minioadmin",
		S3RootPassword: "minioadmin",
		S3BaseEndpoint: "http://127.0.0.1:9000",
		S3Bucket:       "expanse-backups",
		BackupRetain:   retain,
	}
}

func TestBackupRun_UploadsSnapshot(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	store := &fakeObjectStore{objects: map[string][]byte{}}
	stubS3(t, store)

	rm := &fakeRepoManager{
		ids: newFakeIdentities(&models.Identity{Username: "alice", RefreshToken: "rt"}),
		its: &fakeItemsRepo{stored: []*models.Item{{Username: "alice", ID: "t3_a", Category: common.CategorySaved}}},
	}
	s := NewBackupService(db, rm, backupConfig(3))

	key, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, BackupPrefix))
	assert.True(t, strings.HasSuffix(key, ".msgpack.gz"))

	b, err := decodeBackup(store.objects[key])
	require.NoError(t, err)
	require.Len(t, b.Identities, 1)
	assert.Equal(t, "rt", b.Identities[0].RefreshToken)
	require.Len(t, b.Items, 1)
	assert.Equal(t, "t3_a", b.Items[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupRun_RotatesOldest(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	store := &fakeObjectStore{objects: map[string][]byte{}, pageSize: 2}
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	var old []string
	for i := 0; i < 4; i++ {
		k := BackupKey(base.Add(time.Duration(i) * time.Hour))
		store.objects[k] = []byte("x")
		old = append(old, k)
	}
	store.objects["other/keep.txt"] = []byte("x")
	stubS3(t, store)

	rm := &fakeRepoManager{ids: newFakeIdentities(), its: &fakeItemsRepo{}}
	s := NewBackupService(db, rm, backupConfig(2))

	key, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, store.objects, key)
	assert.Contains(t, store.objects, old[3])
	for _, k := range old[:3] {
		assert.NotContains(t, store.objects, k)
	}
	assert.Contains(t, store.objects, "other/keep.txt")
}

func TestBackupRun_UploadError(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	store := &fakeObjectStore{objects: map[string][]byte{}, putErr: errors.New("bucket gone")}
	stubS3(t, store)

	rm := &fakeRepoManager{ids: newFakeIdentities(), its: &fakeItemsRepo{}}
	_, err := NewBackupService(db, rm, backupConfig(2)).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestBackupRun_SnapshotError(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	ids := newFakeIdentities()
	ids.listErr = errors.New("db down")
	rm := &fakeRepoManager{ids: ids, its: &fakeItemsRepo{}}

	_, err := NewBackupService(db, rm, backupConfig(2)).Run(context.Background())
	assert.ErrorIs(t, err, common.ErrStorageFailure)
}

func TestBackupRun_ConfigError(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	orig := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = orig })
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no creds")
	}

	rm := &fakeRepoManager{ids: newFakeIdentities(), its: &fakeItemsRepo{}}
	_, err := NewBackupService(db, rm, backupConfig(2)).Run(context.Background())
	require.Error(t, err)
}

func encodedBackup(t *testing.T, b *Backup) []byte {
	t.Helper()
	data, err := b.Encode()
	require.NoError(t, err)
	return data
}

func TestBackupRestore_Latest(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeObjectStore{objects: map[string][]byte{
		BackupKey(base): encodedBackup(t, &Backup{
			Identities: []*models.Identity{{Username: "old", RefreshToken: "rt-old"}},
		}),
		BackupKey(base.Add(time.Hour)): encodedBackup(t, &Backup{
			CreatedEpoch: 1700000000,
			Identities: []*models.Identity{
				{Username: "alice", RefreshToken: "rt-a", LastUpdatedEpoch: 100, LastActiveEpoch: 90},
				{Username: "gone", RefreshToken: "rt-g", Purged: true},
			},
			Items: []*models.Item{{Username: "alice", ID: "t3_a", Category: common.CategorySaved}},
		}),
	}}
	stubS3(t, store)

	ids := newFakeIdentities()
	its := &fakeItemsRepo{}
	s := NewBackupService(db, &fakeRepoManager{ids: ids, its: its}, backupConfig(3))

	b, err := s.Restore(context.Background(), BackupLatest)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), b.CreatedEpoch)

	alice := ids.byName["alice"]
	require.NotNil(t, alice)
	assert.Equal(t, "rt-a", alice.RefreshToken)
	assert.Equal(t, int64(100), alice.LastUpdatedEpoch)
	assert.Equal(t, int64(90), alice.LastActiveEpoch)
	assert.True(t, ids.byName["gone"].Purged)
	assert.NotContains(t, ids.byName, "old")
	require.Len(t, its.stored, 1)
	assert.Equal(t, "t3_a", its.stored[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupRestore_ByKeyRoundTrip(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	store := &fakeObjectStore{objects: map[string][]byte{}}
	stubS3(t, store)

	src := &fakeRepoManager{
		ids: newFakeIdentities(&models.Identity{Username: "alice", RefreshToken: "rt", LastUpdatedEpoch: 5}),
		its: &fakeItemsRepo{stored: []*models.Item{{Username: "alice", ID: "t1_c", Category: common.CategoryUpvoted, Content: "body"}}},
	}
	key, err := NewBackupService(db, src, backupConfig(3)).Run(context.Background())
	require.NoError(t, err)

	dst := &fakeRepoManager{ids: newFakeIdentities(), its: &fakeItemsRepo{}}
	_, err = NewBackupService(db, dst, backupConfig(3)).Restore(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, int64(5), dst.ids.byName["alice"].LastUpdatedEpoch)
	require.Len(t, dst.its.stored, 1)
	assert.Equal(t, "body", dst.its.stored[0].Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupRestore_NothingToRestore(t *testing.T) {
	db, _ := newSQLMockDB(t)
	stubS3(t, &fakeObjectStore{objects: map[string][]byte{"other/keep.txt": []byte("x")}})

	s := NewBackupService(db, &fakeRepoManager{ids: newFakeIdentities(), its: &fakeItemsRepo{}}, backupConfig(3))
	_, err := s.Restore(context.Background(), BackupLatest)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestBackupRestore_MissingKey(t *testing.T) {
	db, _ := newSQLMockDB(t)
	stubS3(t, &fakeObjectStore{objects: map[string][]byte{}})

	s := NewBackupService(db, &fakeRepoManager{ids: newFakeIdentities(), its: &fakeItemsRepo{}}, backupConfig(3))
	_, err := s.Restore(context.Background(), BackupPrefix+"nope.msgpack.gz")
	require.Error(t, err)
	var nsk *types.NoSuchKey
	assert.ErrorAs(t, err, &nsk)
}

func TestBackupRestore_CorruptArtifact(t *testing.T) {
	db, _ := newSQLMockDB(t)
	key := BackupKey(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	stubS3(t, &fakeObjectStore{objects: map[string][]byte{key: []byte("not gzip")}})

	s := NewBackupService(db, &fakeRepoManager{ids: newFakeIdentities(), its: &fakeItemsRepo{}}, backupConfig(3))
	_, err := s.Restore(context.Background(), key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode backup")
}

func TestBackupRestore_StorageFailureRollsBack(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	key := BackupKey(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	stubS3(t, &fakeObjectStore{objects: map[string][]byte{key: encodedBackup(t, &Backup{
		Items: []*models.Item{{Username: "alice", ID: "t3_a"}},
	})}})

	its := &fakeItemsRepo{upsertErr: errors.New("db down")}
	s := NewBackupService(db, &fakeRepoManager{ids: newFakeIdentities(), its: its}, backupConfig(3))
	_, err := s.Restore(context.Background(), key)
	assert.ErrorIs(t, err, common.ErrStorageFailure)
	require.NoError(t, mock.ExpectationsWereMet())
}
