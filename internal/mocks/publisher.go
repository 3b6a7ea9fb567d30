package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"market-chat/internal/observability"
)

// PublisherMock stands in for the audit and event broker publisher.
type PublisherMock struct {
	mock.Mock
}

var _ observability.Publisher = (*PublisherMock)(nil)

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) PublishJSON(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
