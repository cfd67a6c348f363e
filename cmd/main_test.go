package main

import (
	"context"
	"errors"
	"testing"

	"loxonecontrol/internal/loxone"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSession struct {
	err   error
	calls int
}

func (f *fakeSession) Start(ctx context.Context, handler loxone.Handler) error {
	f.calls++
	return f.err
}

func TestRunWebInterface_LoginFailureKeepsRunning(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := &fakeSession{err: errors.New("failed to login: timeout")}
	runWebInterface(ctx, session, nil, zap.New(core))

	assert.Equal(t, 1, session.calls)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, 1, logs.FilterMessage("Web interface failed, HomeKit keeps serving").Len())
}

func TestRunWebInterface_ShutdownIsQuiet(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runWebInterface(ctx, &fakeSession{err: context.Canceled}, nil, zap.New(core))

	assert.Equal(t, 0, logs.Len())
}
