package calllog

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varavelio/grpcstack/codes"
	"github.com/varavelio/grpcstack/event"
)

func newTestLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.TraceLevel)
	log.SetFormatter(&logrus.JSONFormatter{})
	return log, &buf
}

func TestHandleCallFailedIncludesCode(t *testing.T) {
	log, buf := newTestLogger()
	sink := New(log)

	sink.Handle(event.NewCallFailed("/svc/Method", codes.Internal, assertErr{}))

	require.Contains(t, buf.String(), `"grpc.code":"Internal"`)
	require.Contains(t, buf.String(), `"grpc.method":"/svc/Method"`)
}

func TestHandleNilLoggerFallsBackToStandard(t *testing.T) {
	sink := New(nil)
	assert.NotPanics(t, func() { sink.Handle(event.NewCallStart("/svc/Method")) })
}

func TestHandleUnimplementedLogsWarn(t *testing.T) {
	log, buf := newTestLogger()
	sink := New(log)

	sink.Handle(event.NewCallUnimplemented("/svc/Missing"))

	assert.Contains(t, buf.String(), `"level":"warning"`)
}

func TestHandleCallCommitedIncludesReasonAndAttempts(t *testing.T) {
	log, buf := newTestLogger()
	sink := New(log)

	sink.Handle(event.NewCallCommited("/svc/Method", "ExceededAttemptCount", 4))

	require.Contains(t, buf.String(), `"grpc.commit_reason":"ExceededAttemptCount"`)
	require.Contains(t, buf.String(), `"grpc.attempt":4`)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
