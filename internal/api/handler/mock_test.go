package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/backtrue/mitenow-sub001/internal/core"
	"github.com/backtrue/mitenow-sub001/internal/model"
)

type mockDeployments struct {
	mock.Mock
}

func (m *mockDeployments) Prepare(ctx context.Context, id model.Identity, filename string) (*model.UploadTicket, error) {
	args := m.Called(ctx, id, filename)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UploadTicket), args.Error(1)
}

func (m *mockDeployments) Upload(ctx context.Context, token string, data []byte) (*model.ScanResult, error) {
	args := m.Called(ctx, token, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScanResult), args.Error(1)
}

func (m *mockDeployments) Deploy(ctx context.Context, id model.Identity, req core.DeployRequest) (*model.DeployResult, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeployResult), args.Error(1)
}

func (m *mockDeployments) Get(ctx context.Context, id model.Identity, appID string) (*model.Application, error) {
	args := m.Called(ctx, id, appID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Application), args.Error(1)
}

func (m *mockDeployments) Teardown(ctx context.Context, id model.Identity, appID string) error {
	return m.Called(ctx, id, appID).Error(0)
}

func (m *mockDeployments) CheckSubdomain(ctx context.Context, name string) (model.Availability, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(model.Availability), args.Error(1)
}

func (m *mockDeployments) ReleaseSubdomain(ctx context.Context, id model.Identity, name string) error {
	return m.Called(ctx, id, name).Error(0)
}

func (m *mockDeployments) ReportBuildStatus(ctx context.Context, report model.BuildStatusReport) error {
	return m.Called(ctx, report).Error(0)
}

type mockSecrets struct {
	mock.Mock
}

func (m *mockSecrets) Create(ctx context.Context, ownerID, name string, value []byte) (*model.SecretMeta, error) {
	args := m.Called(ctx, ownerID, name, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SecretMeta), args.Error(1)
}
