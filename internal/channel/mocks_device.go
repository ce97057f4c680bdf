package channel

import (
	"github.com/stretchr/testify/mock"
)

// MockDevice is a mock Device for tests that script exact kernel replies.
type MockDevice struct {
	mock.Mock
}

func (m *MockDevice) Do(req Request) ([]byte, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockDevice) Close() error {
	return m.Called().Error(0)
}
