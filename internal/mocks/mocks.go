package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"market-chat/internal/auth"
	"market-chat/internal/feed"
	"market-chat/internal/models"
	"market-chat/internal/repositories"
)

type MessageStoreMock struct {
	mock.Mock
}

func (m *MessageStoreMock) InsertMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageStoreMock) QueryMessages(ctx context.Context, viewerID string, filter models.MessageFilter) ([]models.Message, error) {
	args := m.Called(ctx, viewerID, filter)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageStoreMock) MarkMessageRead(ctx context.Context, messageID string, viewerID string) error {
	args := m.Called(ctx, messageID, viewerID)
	return args.Error(0)
}

type FeedPublisherMock struct {
	mock.Mock
}

func (m *FeedPublisherMock) PublishMessage(ctx context.Context, msg models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type TokenValidatorMock struct {
	mock.Mock
}

func (m *TokenValidatorMock) Validate(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

var (
	_ repositories.MessageStore = (*MessageStoreMock)(nil)
	_ feed.Publisher            = (*FeedPublisherMock)(nil)
	_ auth.TokenValidator       = (*TokenValidatorMock)(nil)
)
