package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/flowdeploy-go/internal/domain/deployment"
	"github.com/flowdeploy-go/internal/domain/execution"
	"github.com/flowdeploy-go/internal/services/deployment/repository"
	"github.com/flowdeploy-go/internal/services/engine"
	"github.com/flowdeploy-go/internal/services/staging"
	"github.com/flowdeploy-go/pkg/database"
	"github.com/flowdeploy-go/pkg/logger"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) ExecuteAsync(ctx context.Context, req engine.ExecuteRequest) (*execution.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*execution.Result), args.Error(1)
}

func (m *MockEngine) GetStatus(ctx context.Context, executionID string) (*execution.Result, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*execution.Result), args.Error(1)
}

func (m *MockEngine) Acknowledge(ctx context.Context, executionID string) error {
	args := m.Called(ctx, executionID)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, dep *deployment.Deployment, result *execution.Result) error {
	args := m.Called(ctx, dep, result)
	return args.Error(0)
}

type testEnv struct {
	svc      *DeploymentService
	repo     *repository.DeploymentRepository
	engine   *MockEngine
	notifier *MockNotifier
	root     string
}

func setupTestService(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := repository.NewDeploymentRepository(database.Wrap(db))
	require.NoError(t, repo.Migrate())

	root := t.TempDir()
	store, err := staging.NewLocalStore(root, logger.NewNop())
	require.NoError(t, err)

	eng := new(MockEngine)
	notifier := new(MockNotifier)
	svc := NewDeploymentService(repo, store, eng, notifier, nil, nil, Options{
		PathPrefix:     "deployment/api",
		StagingTimeout: 5 * time.Second,
		EngineTimeout:  10 * time.Second,
		MaxTimeout:     300,
	}, logger.NewNop())

	return &testEnv{svc: svc, repo: repo, engine: eng, notifier: notifier, root: root}
}

// createDeployment returns the deployment and its raw key.
func (e *testEnv) createDeployment(t *testing.T, apiName string) (*deployment.Deployment, string) {
	t.Helper()
	created, err := e.svc.CreateDeployment(context.Background(), "acme", "admin-1", CreateDeploymentRequest{
		DisplayName: apiName,
		APIName:     apiName,
		WorkflowID:  "wf-1",
	})
	require.NoError(t, err)
	return created.Deployment, created.APIKey.Key
}

func memFile(name, content string) staging.File {
	return staging.File{
		Name: name,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func waitBackground(t *testing.T, svc *DeploymentService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Wait(ctx)
}

func TestValidate(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	dep, key := env.createDeployment(t, "invoices")

	t.Run("unknown api name", func(t *testing.T) {
		_, err := env.svc.Validate(ctx, "acme", "nope", key)
		assert.ErrorIs(t, err, deployment.ErrNotFound)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := env.svc.Validate(ctx, "acme", "invoices", "")
		assert.ErrorIs(t, err, deployment.ErrUnauthorized)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := env.svc.Validate(ctx, "acme", "invoices", "fd_wrong")
		assert.ErrorIs(t, err, deployment.ErrUnauthorized)
	})

	t.Run("valid key", func(t *testing.T) {
		got, err := env.svc.Validate(ctx, "acme", "invoices", key)
		require.NoError(t, err)
		assert.Equal(t, dep.ID, got.ID)

		waitBackground(t, env.svc)
		keys, err := env.repo.ListKeys(ctx, dep.ID)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.NotNil(t, keys[0].LastUsedAt)
	})

	t.Run("inactive wins over a bad key", func(t *testing.T) {
		_, err := env.svc.SetActive(ctx, "acme", "admin-1", dep.ID, false)
		require.NoError(t, err)
		defer env.svc.SetActive(ctx, "acme", "admin-1", dep.ID, true)

		_, err = env.svc.Validate(ctx, "acme", "invoices", "fd_wrong")
		assert.ErrorIs(t, err, deployment.ErrInactive)
		_, err = env.svc.Validate(ctx, "acme", "invoices", key)
		assert.ErrorIs(t, err, deployment.ErrInactive)
	})

	t.Run("revoked key", func(t *testing.T) {
		extra, err := env.svc.CreateKey(ctx, "acme", "admin-1", dep.ID, "ci")
		require.NoError(t, err)
		_, err = env.svc.Validate(ctx, "acme", "invoices", extra.Key)
		require.NoError(t, err)

		require.NoError(t, env.svc.RevokeKey(ctx, "acme", "admin-1", dep.ID, extra.ID))
		_, err = env.svc.Validate(ctx, "acme", "invoices", extra.Key)
		assert.ErrorIs(t, err, deployment.ErrUnauthorized)
	})
}

func TestValidate_OtherOrganization(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	dep, key := env.createDeployment(t, "invoices")

	_, err := env.svc.Validate(ctx, "globex", "invoices", key)
	assert.ErrorIs(t, err, deployment.ErrNotFound)

	_, err = env.svc.SetActive(ctx, "acme", "admin-1", dep.ID, false)
	require.NoError(t, err)
	_, err = env.svc.Validate(ctx, "globex", "invoices", "fd_wrong")
	assert.ErrorIs(t, err, deployment.ErrNotFound)

	waitBackground(t, env.svc)
	keys, err := env.repo.ListKeys(ctx, dep.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Nil(t, keys[0].LastUsedAt)
}

func TestDispatch_Success(t *testing.T) {
	env := setupTestService(t)
	dep, _ := env.createDeployment(t, "invoices")

	env.engine.On("ExecuteAsync", mock.Anything, mock.MatchedBy(func(req engine.ExecuteRequest) bool {
		return req.WorkflowID == "wf-1" &&
			req.PipelineID == dep.ID &&
			req.OrganizationID == "acme" &&
			req.Timeout == NoWait &&
			req.Files["a.txt"].FileSize == 5
	})).Return(&execution.Result{
		Status: execution.StatusPending,
		Result: []execution.FileResult{{
			File:     "a.txt",
			Status:   execution.StatusPending,
			Metadata: map[string]interface{}{"tokens": 12},
		}},
	}, nil).Once()
	env.notifier.On("Notify", mock.Anything, dep, mock.MatchedBy(func(r *execution.Result) bool {
		return r.Status == execution.StatusPending
	})).Return(nil).Once()

	result := env.svc.Dispatch(context.Background(), dep, []staging.File{memFile("a.txt", "hello")}, NoWait, false)
	waitBackground(t, env.svc)

	require.Equal(t, execution.StatusPending, result.Status)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Equal(t, "wf-1", result.WorkflowID)
	assert.Equal(t, "/deployment/api/acme/invoices/?execution_id="+result.ExecutionID, result.StatusAPI)
	assert.Nil(t, result.Result[0].Metadata)

	// Staged inputs now belong to the engine
	_, err := os.Stat(filepath.Join(env.root, "wf-1", result.ExecutionID, "a.txt"))
	assert.NoError(t, err)

	env.engine.AssertExpectations(t)
	env.notifier.AssertExpectations(t)
}

func TestDispatch_IncludeMetadata(t *testing.T) {
	env := setupTestService(t)
	dep, _ := env.createDeployment(t, "invoices")

	env.engine.On("ExecuteAsync", mock.Anything, mock.Anything).Return(&execution.Result{
		Status: execution.StatusSuccess,
		Result: []execution.FileResult{{File: "a.txt", Metadata: map[string]interface{}{"k": "v"}}},
	}, nil)
	env.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result := env.svc.Dispatch(context.Background(), dep, []staging.File{memFile("a.txt", "x")}, 30, true)
	waitBackground(t, env.svc)

	assert.Equal(t, execution.StatusSuccess, result.Status)
	assert.Equal(t, "v", result.Result[0].Metadata["k"])
}

func TestDispatch_EngineFailureCleansUp(t *testing.T) {
	env := setupTestService(t)
	dep, _ := env.createDeployment(t, "invoices")

	env.engine.On("ExecuteAsync", mock.Anything, mock.Anything).
		Return(nil, &engine.StatusError{Code: 503, Message: "engine busy"}).Once()
	env.notifier.On("Notify", mock.Anything, dep, mock.MatchedBy(func(r *execution.Result) bool {
		return r.Status == execution.StatusError
	})).Return(errors.New("notifications down")).Once()

	result := env.svc.Dispatch(context.Background(), dep, []staging.File{memFile("a.txt", "hello")}, NoWait, false)
	waitBackground(t, env.svc)

	assert.Equal(t, execution.StatusError, result.Status)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Equal(t, "wf-1", result.WorkflowID)
	assert.Contains(t, result.Error, "engine busy")
	assert.Empty(t, result.StatusAPI)

	_, err := os.Stat(filepath.Join(env.root, "wf-1", result.ExecutionID))
	assert.True(t, os.IsNotExist(err))

	env.notifier.AssertExpectations(t)
}

func TestDispatch_StagingFailure(t *testing.T) {
	env := setupTestService(t)
	dep, _ := env.createDeployment(t, "invoices")
	env.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	broken := staging.File{
		Name: "a.txt",
		Open: func() (io.ReadCloser, error) { return nil, errors.New("upload vanished") },
	}
	result := env.svc.Dispatch(context.Background(), dep, []staging.File{memFile("ok.txt", "fine"), broken}, NoWait, false)
	waitBackground(t, env.svc)

	assert.Equal(t, execution.StatusError, result.Status)
	assert.Contains(t, result.Error, "upload vanished")
	env.engine.AssertNotCalled(t, "ExecuteAsync", mock.Anything, mock.Anything)

	_, err := os.Stat(filepath.Join(env.root, "wf-1", result.ExecutionID))
	assert.True(t, os.IsNotExist(err))
}

func TestDispatch_EngineDeadlineIncludesExecutionTimeout(t *testing.T) {
	env := setupTestService(t)
	dep, _ := env.createDeployment(t, "invoices")
	env.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	var remaining time.Duration
	env.engine.On("ExecuteAsync", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		deadline, ok := args.Get(0).(context.Context).Deadline()
		require.True(t, ok)
		remaining = time.Until(deadline)
	}).Return(&execution.Result{Status: execution.StatusSuccess}, nil)

	env.svc.Dispatch(context.Background(), dep, []staging.File{memFile("a.txt", "x")}, 60, false)
	waitBackground(t, env.svc)

	assert.InDelta(t, (70 * time.Second).Seconds(), remaining.Seconds(), 2)
}

func TestValidateTimeout(t *testing.T) {
	env := setupTestService(t)
	assert.NoError(t, env.svc.ValidateTimeout(NoWait))
	assert.NoError(t, env.svc.ValidateTimeout(0))
	assert.NoError(t, env.svc.ValidateTimeout(300))
	assert.ErrorIs(t, env.svc.ValidateTimeout(301), deployment.ErrInvalidRequest)
	assert.ErrorIs(t, env.svc.ValidateTimeout(-2), deployment.ErrInvalidRequest)
}

func TestGetStatus(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	dep, _ := env.createDeployment(t, "invoices")

	t.Run("terminal result is acknowledged", func(t *testing.T) {
		env.engine.On("GetStatus", mock.Anything, "exec-done").Return(&execution.Result{
			WorkflowID: "wf-1",
			Status:     execution.StatusSuccess,
			Result:     []execution.FileResult{{File: "a.txt", Result: map[string]interface{}{"metadata": 1, "total": 3}}},
		}, nil).Once()
		env.engine.On("Acknowledge", mock.Anything, "exec-done").Return(nil).Once()

		result, err := env.svc.GetStatus(ctx, dep, "exec-done", false)
		require.NoError(t, err)
		assert.True(t, result.ResultAcknowledged)
		assert.Equal(t, "exec-done", result.ExecutionID)
		assert.NotContains(t, result.Result[0].Result, "metadata")
		assert.Equal(t, 3, result.Result[0].Result["total"])
	})

	t.Run("running result is not acknowledged", func(t *testing.T) {
		env.engine.On("GetStatus", mock.Anything, "exec-running").Return(&execution.Result{
			WorkflowID: "wf-1",
			Status:     execution.StatusRunning,
		}, nil).Once()

		result, err := env.svc.GetStatus(ctx, dep, "exec-running", false)
		require.NoError(t, err)
		assert.False(t, result.ResultAcknowledged)
	})

	t.Run("other workflow", func(t *testing.T) {
		env.engine.On("GetStatus", mock.Anything, "exec-foreign").Return(&execution.Result{
			WorkflowID: "wf-2",
			Status:     execution.StatusSuccess,
		}, nil).Once()

		_, err := env.svc.GetStatus(ctx, dep, "exec-foreign", false)
		assert.ErrorIs(t, err, execution.ErrNotFound)
	})

	t.Run("unknown execution", func(t *testing.T) {
		env.engine.On("GetStatus", mock.Anything, "exec-missing").Return(nil, execution.ErrNotFound).Once()

		_, err := env.svc.GetStatus(ctx, dep, "exec-missing", false)
		assert.ErrorIs(t, err, execution.ErrNotFound)
	})

	t.Run("missing execution id", func(t *testing.T) {
		_, err := env.svc.GetStatus(ctx, dep, "", false)
		assert.ErrorIs(t, err, deployment.ErrInvalidRequest)
	})

	env.engine.AssertNotCalled(t, "Acknowledge", mock.Anything, "exec-running")
	env.engine.AssertExpectations(t)
}

type failingKeyRepo struct {
	*repository.DeploymentRepository
}

func (failingKeyRepo) CreateKey(context.Context, *deployment.APIKey) error {
	return errors.New("disk full")
}

func TestCreateDeployment(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()

	dep, key := env.createDeployment(t, "invoices")
	assert.Equal(t, "deployment/api/acme/invoices/", dep.APIEndpoint)
	assert.True(t, strings.HasPrefix(key, "fd_"))

	_, err := env.svc.CreateDeployment(ctx, "acme", "admin-1", CreateDeploymentRequest{
		DisplayName: "again", APIName: "invoices", WorkflowID: "wf-2",
	})
	assert.ErrorIs(t, err, deployment.ErrAlreadyExists)

	_, err = env.svc.CreateDeployment(ctx, "acme", "admin-1", CreateDeploymentRequest{
		DisplayName: "bad", APIName: "Not A Slug", WorkflowID: "wf-2",
	})
	assert.ErrorIs(t, err, deployment.ErrInvalidRequest)

	_, err = env.svc.GetDeployment(ctx, "other-org", dep.ID)
	assert.ErrorIs(t, err, deployment.ErrNotFound)
}

func TestCreateDeployment_KeyFailureRollsBack(t *testing.T) {
	env := setupTestService(t)
	svc := NewDeploymentService(failingKeyRepo{env.repo}, nil, env.engine, nil, nil, nil, Options{}, logger.NewNop())

	_, err := svc.CreateDeployment(context.Background(), "acme", "admin-1", CreateDeploymentRequest{
		DisplayName: "Invoices", APIName: "invoices", WorkflowID: "wf-1",
	})
	assert.ErrorIs(t, err, deployment.ErrKeyCreate)

	_, err = env.repo.GetByAPIName(context.Background(), "invoices")
	assert.ErrorIs(t, err, deployment.ErrNotFound)
}

func TestDeleteDeployment(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	dep, key := env.createDeployment(t, "invoices")

	assert.ErrorIs(t, env.svc.DeleteDeployment(ctx, "other-org", "admin-1", dep.ID), deployment.ErrNotFound)
	require.NoError(t, env.svc.DeleteDeployment(ctx, "acme", "admin-1", dep.ID))

	_, err := env.svc.Validate(ctx, "acme", "invoices", key)
	assert.ErrorIs(t, err, deployment.ErrNotFound)
}
