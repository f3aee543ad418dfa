package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expensio/internal/types"
)

type fakeAppender struct {
	entries []*types.AuditLogEntry
	err     error
}

func (f *fakeAppender) Append(_ context.Context, entry *types.AuditLogEntry) error {
	f.entries = append(f.entries, entry)
	return f.err
}

func newTestLogger(appender *fakeAppender) *Logger {
	return NewLogger(appender, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestLogger_Action(t *testing.T) {
	appender := &fakeAppender{}
	l := newTestLogger(appender)

	l.Action(context.Background(), "org_1", types.AuditPlanChanged, types.AuditDetail{
		"old_plan_id": "plan_team",
		"new_plan_id": "plan_business",
	})

	require.Len(t, appender.entries, 1)
	entry := appender.entries[0]
	assert.Equal(t, "org_1", entry.OrgID)
	assert.Equal(t, types.AuditPlanChanged, entry.Action)
	assert.True(t, entry.IsSystem)
	assert.Equal(t, "plan_business", entry.Detail["new_plan_id"])
}

func TestLogger_SecurityAlert(t *testing.T) {
	appender := &fakeAppender{}
	l := newTestLogger(appender)

	l.SecurityAlert(context.Background(), "", types.AuditDetail{"reason": "replayed_event"})

	require.Len(t, appender.entries, 1)
	entry := appender.entries[0]
	assert.Empty(t, entry.OrgID, "alerts without an organization are system-wide")
	assert.Equal(t, types.AuditSecurityAlert, entry.Action)
}

func TestLogger_AppendFailureIsSwallowed(t *testing.T) {
	appender := &fakeAppender{err: errors.New("audit table unavailable")}
	l := newTestLogger(appender)

	// Must not panic or propagate: the state change being recorded has
	// already been committed.
	l.Action(context.Background(), "org_1", types.AuditPaymentSucceeded, nil)
	l.SecurityAlert(context.Background(), "org_1", nil)
}
