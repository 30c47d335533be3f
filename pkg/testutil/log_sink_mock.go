/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/mock"
)

// MockLogSink records log calls so that tests can assert on log severity.
type MockLogSink struct {
	mock.Mock
}

// NewMockLogSink returns a sink that accepts every call. Derived loggers (WithName, WithValues) share it.
func NewMockLogSink() *MockLogSink {
	m := &MockLogSink{}
	m.On("Init", mock.AnythingOfType("logr.RuntimeInfo")).Return()
	m.On("Enabled", mock.Anything).Return(true)
	m.On("Info", mock.Anything, mock.Anything, mock.Anything).Return()
	m.On("Error", mock.Anything, mock.Anything, mock.Anything).Return()
	m.On("WithName", mock.Anything).Return(m)
	m.On("WithValues", mock.Anything).Return(m)
	return m
}

func (m *MockLogSink) Enabled(level int) bool {
	args := m.Called(level)
	return args.Bool(0)
}

func (m *MockLogSink) Error(err error, msg string, keysAndValues ...any) {
	m.Called(err, msg, keysAndValues)
}

func (m *MockLogSink) Info(level int, msg string, keysAndValues ...any) {
	m.Called(level, msg, keysAndValues)
}

func (m *MockLogSink) Init(info logr.RuntimeInfo) {
	m.Called(info)
}

func (m *MockLogSink) WithName(name string) logr.LogSink {
	args := m.Called(name)
	return args.Get(0).(logr.LogSink)
}

func (m *MockLogSink) WithValues(keysAndValues ...any) logr.LogSink {
	args := m.Called(keysAndValues)
	return args.Get(0).(logr.LogSink)
}

var _ logr.LogSink = (*MockLogSink)(nil)
