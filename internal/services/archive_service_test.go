package services

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	args := m.Called(ctx, bucketName, objectName, reader, objectSize, opts)
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

func (m *MockObjectStore) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *MockObjectStore) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

type ArchiveServiceTestSuite struct {
	suite.Suite
	store   *MockObjectStore
	service *minioArchive
}

func (suite *ArchiveServiceTestSuite) SetupTest() {
	suite.store = &MockObjectStore{}
	suite.service = newArchiveWithStore(suite.store, "billing-webhooks")
}

func (suite *ArchiveServiceTestSuite) TearDownTest() {
	suite.store.AssertExpectations(suite.T())
}

func TestArchiveServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ArchiveServiceTestSuite))
}

func (suite *ArchiveServiceTestSuite) TestArchiveWebhook_Success() {
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)
	receivedAt := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	suite.store.On("PutObject", ctx, "billing-webhooks", "stripe/2026/03/04/evt_1.json", mock.Anything, int64(len(payload)),
		mock.MatchedBy(func(opts minio.PutObjectOptions) bool {
			return opts.ContentType == "application/json" && opts.UserMetadata["event-id"] == "evt_1"
		})).
		Return(minio.UploadInfo{}, nil).Once()

	err := suite.service.ArchiveWebhook(ctx, "stripe", "evt_1", payload, receivedAt)
	assert.NoError(suite.T(), err)
}

func (suite *ArchiveServiceTestSuite) TestArchiveWebhook_StoreError() {
	ctx := context.Background()
	suite.store.On("PutObject", ctx, "billing-webhooks", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(minio.UploadInfo{}, errors.New("connection refused")).Once()

	err := suite.service.ArchiveWebhook(ctx, "stripe", "evt_2", []byte(`{}`), time.Now())
	assert.ErrorContains(suite.T(), err, "evt_2")
}

func (suite *ArchiveServiceTestSuite) TestEnsureBucketExists_Creates() {
	ctx := context.Background()
	suite.store.On("BucketExists", ctx, "billing-webhooks").Return(false, nil).Once()
	suite.store.On("MakeBucket", ctx, "billing-webhooks", minio.MakeBucketOptions{}).Return(nil).Once()

	assert.NoError(suite.T(), suite.service.EnsureBucketExists(ctx))
}

func (suite *ArchiveServiceTestSuite) TestEnsureBucketExists_AlreadyThere() {
	ctx := context.Background()
	suite.store.On("BucketExists", ctx, "billing-webhooks").Return(true, nil).Once()

	assert.NoError(suite.T(), suite.service.EnsureBucketExists(ctx))
}

func (suite *ArchiveServiceTestSuite) TestPing_MissingBucket() {
	ctx := context.Background()
	suite.store.On("BucketExists", ctx, "billing-webhooks").Return(false, nil).Once()

	assert.Error(suite.T(), suite.service.Ping(ctx))
}
