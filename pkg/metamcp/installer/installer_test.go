package installer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

// auditStore records appended install rows; nothing else is called.
type auditStore struct {
	store.Store
	records []metamcp.PackageInstallRecord
}

func (a *auditStore) AppendInstallRecord(_ context.Context, rec *metamcp.PackageInstallRecord) error {
	a.records = append(a.records, *rec)
	return nil
}

func TestInstallRejectsBadInput(t *testing.T) {
	st := &auditStore{}
	inst := New(st, true)
	ctx := context.Background()

	err := inst.Install(ctx, "cargo", "serde", nil)
	assert.ErrorIs(t, err, metamcp.ErrValidation)

	err = inst.Install(ctx, ManagerNpm, "pkg; rm -rf /", nil)
	assert.ErrorIs(t, err, metamcp.ErrValidation)

	assert.Empty(t, st.records, "validation failures are not audited")
}

func TestInstallRefusedWhenDisabled(t *testing.T) {
	st := &auditStore{}
	inst := New(st, false)

	err := inst.Install(context.Background(), ManagerNpm, "@scope/tool", nil)
	assert.ErrorIs(t, err, metamcp.ErrPolicyDenied)

	require.Len(t, st.records, 1)
	assert.Equal(t, "REFUSED", st.records[0].Status)
	assert.Equal(t, "npm install -g @scope/tool", st.records[0].Command)
}

func TestInstallRunsAndAudits(t *testing.T) {
	st := &auditStore{}
	inst := New(st, true)

	var gotArgv []string
	inst.run = func(_ context.Context, argv []string) (string, error) {
		gotArgv = argv
		return "installed 1 package", nil
	}

	user := "u-1"
	require.NoError(t, inst.Install(context.Background(), ManagerUv, "httpx", &user))

	assert.Equal(t, []string{"uv", "pip", "install", "httpx"}, gotArgv)
	require.Len(t, st.records, 1)
	rec := st.records[0]
	assert.Equal(t, "SUCCESS", rec.Status)
	assert.Equal(t, "uv", rec.Manager)
	assert.Equal(t, "installed 1 package", rec.Output)
	require.NotNil(t, rec.UserID)
	assert.Equal(t, "u-1", *rec.UserID)
}

func TestInstallFailureIsAudited(t *testing.T) {
	st := &auditStore{}
	inst := New(st, true)
	inst.run = func(context.Context, []string) (string, error) {
		return "E404 not found", errors.New("exit status 1")
	}

	err := inst.Install(context.Background(), ManagerPip, "nonexistent-package", nil)
	require.Error(t, err)

	require.Len(t, st.records, 1)
	assert.Equal(t, "FAILED", st.records[0].Status)
	assert.Equal(t, "E404 not found", st.records[0].Output)
}
